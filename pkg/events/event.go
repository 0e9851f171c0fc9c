// Package events defines the structured event protocol delivered to clients.
package events

import (
	"encoding/json"
	"time"
)

// Type represents the kind of structured event
type Type string

const (
	TypeUserMessage      Type = "user_message"
	TypeAssistantMessage Type = "assistant_message"
	TypeToolUse          Type = "tool_use"
	TypeFileChange       Type = "file_change"
	TypePreviewError     Type = "preview_error"
	TypeStatusChange     Type = "status_change"
	TypeSessionEnded     Type = "session_ended"
)

// StructuredEvent is a normalized, ordered message describing agent or
// environment activity. Sequence numbers are assigned by the session relay
// at publish time and are strictly increasing per project.
type StructuredEvent struct {
	Type      Type                   `json:"type"`
	Sequence  uint64                 `json:"sequence"`
	ProjectID string                 `json:"project_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// New creates a new structured event with the current timestamp.
// The sequence number is zero until the relay assigns one.
func New(eventType Type, projectID, sessionID string, payload map[string]interface{}) *StructuredEvent {
	return &StructuredEvent{
		Type:      eventType,
		ProjectID: projectID,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// MarshalJSON implements custom JSON marshaling
func (e *StructuredEvent) MarshalJSON() ([]byte, error) {
	type Alias StructuredEvent
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(e),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
	})
}

// Parse parses a JSON document into a structured event
func Parse(data []byte) (*StructuredEvent, error) {
	var ev StructuredEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// IsValid checks if the event has required fields
func (e *StructuredEvent) IsValid() bool {
	if e.Type == "" {
		return false
	}
	if e.ProjectID == "" {
		return false
	}
	return true
}
