package api

import "encoding/json"

// CreateProjectRequest is the payload for creating a project
type CreateProjectRequest struct {
	Name       string `json:"name" binding:"required"`
	WorkingDir string `json:"working_dir" binding:"required"`
}

// PromptRequest is the payload for sending a user prompt to a project
type PromptRequest struct {
	Text    string `json:"text" binding:"required"`
	Backend string `json:"backend"` // defaults to claude
}

// PromptResponse returns the session handling the prompt
type PromptResponse struct {
	SessionID string `json:"session_id"`
}

// IntegrationRequest wraps an opaque payload forwarded to the integrations
// service
type IntegrationRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// SnapshotResponse pairs a full project state with the relay sequence it
// reflects, so clients know where to resume streaming from
type SnapshotResponse struct {
	Project  interface{} `json:"project"`
	Messages interface{} `json:"messages"`
	Sequence uint64      `json:"sequence"`
}
