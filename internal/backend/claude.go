package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/process"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
	"github.com/vibedev/vibedev/pkg/events"
)

const claudeBinary = "claude"

// ClaudeBackend drives the Claude Code CLI in stream-json mode. Output is a
// line-oriented JSON stream; input is delivered as user message lines on
// stdin so follow-up prompts reuse the running process.
type ClaudeBackend struct {
	supervisor *process.Supervisor
	logger     *logger.Logger
}

// NewClaudeBackend creates a Claude Code backend
func NewClaudeBackend(supervisor *process.Supervisor, log *logger.Logger) *ClaudeBackend {
	return &ClaudeBackend{
		supervisor: supervisor,
		logger:     log.WithFields(zap.String("backend", string(KindClaude))),
	}
}

// Kind returns the backend identifier
func (b *ClaudeBackend) Kind() Kind {
	return KindClaude
}

// Start spawns the Claude CLI and sends the initial prompt
func (b *ClaudeBackend) Start(ctx context.Context, req *StartRequest) (*SessionHandle, error) {
	spec := process.Spec{
		Command: claudeBinary,
		Args: []string{
			"--print",
			"--output-format", "stream-json",
			"--input-format", "stream-json",
			"--verbose",
			"--dangerously-skip-permissions",
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
		Kind:      KindClaude,
		Process:   ph,
		Events:    out,
	}

	go b.normalize(handle, out)

	if err := b.Send(ctx, handle, req.Prompt); err != nil {
		_ = ph.Stop(b.supervisor.GracePeriod())
		return nil, err
	}

	return handle, nil
}

// Send writes a user message line to the CLI's stdin
func (b *ClaudeBackend) Send(ctx context.Context, handle *SessionHandle, input string) error {
	msg := map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "text", "text": input},
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	data = append(data, '\n')

	if _, err := handle.Process.Stdin().Write(data); err != nil {
		return fmt.Errorf("failed to write to claude stdin: %w", err)
	}
	return nil
}

// Stop terminates the session's process, escalating to kill after the grace
// period
func (b *ClaudeBackend) Stop(ctx context.Context, handle *SessionHandle) error {
	return handle.Process.Stop(b.supervisor.GracePeriod())
}

// CheckAvailability runs `claude --version`
func (b *ClaudeBackend) CheckAvailability(ctx context.Context) *v1.BackendAvailability {
	return checkCLIVersion(ctx, string(KindClaude), claudeBinary)
}

// normalize reads raw output lines and emits structured events until the
// process exits
func (b *ClaudeBackend) normalize(handle *SessionHandle, out chan<- *events.StructuredEvent) {
	defer close(out)

	for line := range handle.Process.Output() {
		if line.Stderr {
			if isAuthError(line.Text) {
				handle.SetResult(Result{Success: false, Message: strings.TrimSpace(line.Text)})
			}
			b.logger.Debug("claude stderr", zap.String("line", line.Text))
			continue
		}

		evs, result, err := parseClaudeLine(handle.ProjectID, handle.SessionID, line.Text)
		if err != nil {
			b.logger.Warn("dropping malformed claude output line",
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

// claudeStreamLine is the subset of the stream-json envelope we consume
type claudeStreamLine struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype"`
	IsError bool           `json:"is_error"`
	Result  string         `json:"result"`
	Message *claudeMessage `json:"message"`
}

type claudeMessage struct {
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// parseClaudeLine maps one raw output line to zero or more structured events
// and, for result lines, the session's final outcome
func parseClaudeLine(projectID, sessionID, raw string) ([]*events.StructuredEvent, *Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, nil
	}

	var line claudeStreamLine
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
			switch block.Type {
			case "text":
				if block.Text != "" {
					evs = append(evs, events.NewAssistantMessage(projectID, sessionID, block.Text))
				}
			case "tool_use":
				evs = append(evs, events.NewToolUse(projectID, sessionID, events.ToolUsePayload{
					Tool:   block.Name,
					Input:  block.Input,
					Status: "started",
				}))
			}
		}
		return evs, nil, nil

	case "result":
		result := &Result{
			Success: !line.IsError && line.Subtype == "success",
			Message: line.Result,
		}
		if !result.Success && result.Message == "" {
			result.Message = line.Subtype
		}
		return nil, result, nil

	case "system", "user":
		// Init handshakes and echoed tool results carry nothing for clients
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown line type %q", line.Type)
	}
}

// checkCLIVersion runs `<binary> --version` and reports installation status,
// matching the behavior of the settings availability check
func checkCLIVersion(ctx context.Context, kind, binary string) *v1.BackendAvailability {
	out, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return &v1.BackendAvailability{Kind: kind, Installed: false, Error: msg}
	}

	version := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(version, '\n'); idx >= 0 {
		version = version[:idx]
	}
	if version == "" {
		version = "installed"
	}
	return &v1.BackendAvailability{Kind: kind, Installed: true, Version: version}
}
