package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/process"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
	"github.com/vibedev/vibedev/pkg/events"
)

const cursorBinary = "cursor-agent"

// CursorBackend drives the Cursor Agent CLI. Unlike Claude, the CLI takes the
// prompt as an argument and does not accept follow-up input on a running
// process; Send fails and the orchestrator starts a fresh session per prompt.
type CursorBackend struct {
	supervisor *process.Supervisor
	logger     *logger.Logger
}

// NewCursorBackend creates a Cursor Agent backend
func NewCursorBackend(supervisor *process.Supervisor, log *logger.Logger) *CursorBackend {
	return &CursorBackend{
		supervisor: supervisor,
		logger:     log.WithFields(zap.String("backend", string(KindCursor))),
	}
}

// Kind returns the backend identifier
func (b *CursorBackend) Kind() Kind {
	return KindCursor
}

// Start spawns the Cursor Agent CLI with the prompt
func (b *CursorBackend) Start(ctx context.Context, req *StartRequest) (*SessionHandle, error) {
	spec := process.Spec{
		Command: cursorBinary,
		Args: []string{
			"--print",
			"--output-format", "stream-json",
			"--force",
			req.Prompt,
		},
		Dir: req.WorkingDir,
		Env: mergeEnv(req.Env),
	}

	ph, err := b.supervisor.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}

	out := make(chan *events.StructuredEvent, 64)
	handle := &SessionHandle{
		SessionID: sessionID(req),
		ProjectID: req.ProjectID,
		Kind:      KindCursor,
		Process:   ph,
		Events:    out,
	}

	go b.normalize(handle, out)

	return handle, nil
}

// Send is not supported by the Cursor CLI's print mode
func (b *CursorBackend) Send(ctx context.Context, handle *SessionHandle, input string) error {
	return fmt.Errorf("cursor backend does not accept input on a running session")
}

// Stop terminates the session's process
func (b *CursorBackend) Stop(ctx context.Context, handle *SessionHandle) error {
	return handle.Process.Stop(b.supervisor.GracePeriod())
}

// CheckAvailability runs `cursor-agent --version`
func (b *CursorBackend) CheckAvailability(ctx context.Context) *v1.BackendAvailability {
	return checkCLIVersion(ctx, string(KindCursor), cursorBinary)
}

func (b *CursorBackend) normalize(handle *SessionHandle, out chan<- *events.StructuredEvent) {
	defer close(out)

	for line := range handle.Process.Output() {
		if line.Stderr {
			if isAuthError(line.Text) {
				handle.SetResult(Result{Success: false, Message: strings.TrimSpace(line.Text)})
			}
			b.logger.Debug("cursor stderr", zap.String("line", line.Text))
			continue
		}

		evs, result, err := parseCursorLine(handle.ProjectID, handle.SessionID, line.Text)
		if err != nil {
			b.logger.Warn("dropping malformed cursor output line",
				zap.String("session_id", handle.SessionID),
				zap.Error(err))
			continue
		}
		if result != nil {
			handle.SetResult(*result)
		}
		for _, ev := range evs {
			out <- ev
		}
	}
}

// cursorStreamLine is the subset of the cursor-agent stream we consume
type cursorStreamLine struct {
	Type     string          `json:"type"`
	Subtype  string          `json:"subtype"`
	IsError  bool            `json:"is_error"`
	Result   string          `json:"result"`
	Message  *claudeMessage  `json:"message"`
	ToolCall *cursorToolCall `json:"tool_call"`
}

type cursorToolCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// parseCursorLine maps one raw cursor-agent output line to structured events.
// The stream mirrors the Claude envelope for assistant/result lines but
// reports tool activity as dedicated tool_call records.
func parseCursorLine(projectID, sessionID, raw string) ([]*events.StructuredEvent, *Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, nil
	}

	var line cursorStreamLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch line.Type {
	case "assistant":
		if line.Message == nil {
			return nil, nil, fmt.Errorf("assistant line without message")
		}
		var evs []*events.StructuredEvent
		for _, block := range line.Message.Content {
			if block.Type == "text" && block.Text != "" {
				evs = append(evs, events.NewAssistantMessage(projectID, sessionID, block.Text))
			}
		}
		return evs, nil, nil

	case "tool_call":
		if line.ToolCall == nil {
			return nil, nil, fmt.Errorf("tool_call line without payload")
		}
		status := "started"
		if line.Subtype == "completed" {
			status = "completed"
		}
		ev := events.NewToolUse(projectID, sessionID, events.ToolUsePayload{
			Tool:   line.ToolCall.Name,
			Input:  line.ToolCall.Args,
			Status: status,
		})
		return []*events.StructuredEvent{ev}, nil, nil

	case "result":
		result := &Result{
			Success: !line.IsError && line.Subtype != "error",
			Message: line.Result,
		}
		return nil, result, nil

	case "system", "user", "thinking":
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown line type %q", line.Type)
	}
}
