package events

// AssistantMessagePayload carries a text chunk emitted by the agent
type AssistantMessagePayload struct {
	Text string `json:"text"`
}

// ToolUsePayload describes a tool invocation reported by the agent
type ToolUsePayload struct {
	Tool   string                 `json:"tool"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Status string                 `json:"status,omitempty"` // started, completed, failed
}

// FileChangePayload describes a batch of changed paths in the project
// working directory
type FileChangePayload struct {
	Paths []string `json:"paths"`
}

// PreviewErrorPayload carries a runtime error captured from the preview
// process output
type PreviewErrorPayload struct {
	Line string `json:"line"`
	Port int    `json:"port"`
}

// StatusChangePayload describes a project lifecycle status transition
type StatusChangePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Detail string `json:"detail,omitempty"`
}

// SessionEndedPayload describes why a session terminated
type SessionEndedPayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Restart bool   `json:"restart,omitempty"` // set when a restart will be attempted
}

// NewUserMessage creates a user message event
func NewUserMessage(projectID, sessionID, text string) *StructuredEvent {
	return New(TypeUserMessage, projectID, sessionID, map[string]interface{}{
		"text": text,
	})
}

// NewAssistantMessage creates an assistant message event
func NewAssistantMessage(projectID, sessionID, text string) *StructuredEvent {
	return New(TypeAssistantMessage, projectID, sessionID, map[string]interface{}{
		"text": text,
	})
}

// NewToolUse creates a tool use event
func NewToolUse(projectID, sessionID string, p ToolUsePayload) *StructuredEvent {
	return New(TypeToolUse, projectID, sessionID, map[string]interface{}{
		"tool":   p.Tool,
		"input":  p.Input,
		"status": p.Status,
	})
}

// NewFileChange creates a file change event for a debounced batch of paths
func NewFileChange(projectID string, paths []string) *StructuredEvent {
	ps := make([]interface{}, len(paths))
	for i, p := range paths {
		ps[i] = p
	}
	return New(TypeFileChange, projectID, "", map[string]interface{}{
		"paths": ps,
	})
}

// NewPreviewError creates a preview error event
func NewPreviewError(projectID, line string, port int) *StructuredEvent {
	return New(TypePreviewError, projectID, "", map[string]interface{}{
		"line": line,
		"port": port,
	})
}

// NewStatusChange creates a status change event
func NewStatusChange(projectID, from, to, detail string) *StructuredEvent {
	return New(TypeStatusChange, projectID, "", map[string]interface{}{
		"from":   from,
		"to":     to,
		"detail": detail,
	})
}

// NewSessionEnded creates a session ended event
func NewSessionEnded(projectID, sessionID string, success bool, reason string) *StructuredEvent {
	return New(TypeSessionEnded, projectID, sessionID, map[string]interface{}{
		"success": success,
		"reason":  reason,
	})
}
