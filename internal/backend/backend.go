// Package backend abstracts the external coding-agent CLIs (Claude Code,
// Cursor Agent) behind a common interface and normalizes their heterogeneous
// output streams into structured events.
package backend

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vibedev/vibedev/internal/process"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
	"github.com/vibedev/vibedev/pkg/events"
)

// Kind identifies a concrete agent backend implementation
type Kind string

const (
	KindClaude Kind = "claude"
	KindCursor Kind = "cursor"
)

// StartRequest contains parameters for starting an agent session
type StartRequest struct {
	ProjectID  string
	SessionID  string
	Prompt     string
	WorkingDir string
	Env        map[string]string
}

// sessionID returns the request's session ID, minting one when the caller
// left it unset. A restart of the same request gets a fresh ID.
func sessionID(req *StartRequest) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return uuid.New().String()
}

// Result records the final outcome reported by the agent before exit
type Result struct {
	Success bool
	Message string
}

// SessionHandle represents one live agent session. The process handle is
// owned exclusively by the supervisor; callers interact through the backend.
type SessionHandle struct {
	SessionID string
	ProjectID string
	Kind      Kind
	Process   *process.Handle

	// Events carries normalized AssistantMessage/ToolUse events and is
	// closed when the agent process exits.
	Events <-chan *events.StructuredEvent

	mu     sync.Mutex
	result *Result
}

// SetResult records the agent's final result line
func (h *SessionHandle) SetResult(r Result) {
	h.mu.Lock()
	h.result = &r
	h.mu.Unlock()
}

// Result returns the recorded final result, if the agent reported one
func (h *SessionHandle) Result() (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		return Result{}, false
	}
	return *h.result, true
}

// Backend is the polymorphic capability set over agent CLI implementations.
// New backend kinds are added by implementing this interface and registering
// it; callers never change.
type Backend interface {
	// Kind returns the backend identifier
	Kind() Kind

	// Start spawns the agent process with an initial prompt
	Start(ctx context.Context, req *StartRequest) (*SessionHandle, error)

	// Send delivers a follow-up user input to a running session
	Send(ctx context.Context, handle *SessionHandle, input string) error

	// Stop terminates the session's process
	Stop(ctx context.Context, handle *SessionHandle) error

	// CheckAvailability reports whether the CLI binary is installed
	CheckAvailability(ctx context.Context) *v1.BackendAvailability
}
