package v1

import "time"

// ProjectStatus represents the lifecycle status of a project
type ProjectStatus string

const (
	ProjectStatusInitializing ProjectStatus = "INITIALIZING"
	ProjectStatusActive       ProjectStatus = "ACTIVE"
	ProjectStatusGenerating   ProjectStatus = "GENERATING"
	ProjectStatusError        ProjectStatus = "ERROR"
	ProjectStatusTerminated   ProjectStatus = "TERMINATED"
)

// Project represents an application being generated and iterated on
type Project struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          ProjectStatus `json:"status"`
	ActiveSessionID *string       `json:"active_session_id,omitempty"`
	WorkingDir      string        `json:"working_dir"`
	PreviewPort     *int          `json:"preview_port,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Session represents one supervised run of an agent backend
type Session struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	BackendKind string     `json:"backend_kind"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   *string    `json:"end_reason,omitempty"`
}

// Message is one persisted conversation entry within a project
type Message struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PreviewState represents the health of a project's preview process
type PreviewState string

const (
	PreviewStateStarting PreviewState = "STARTING"
	PreviewStateReady    PreviewState = "READY"
	PreviewStateCrashed  PreviewState = "CRASHED"
	PreviewStateStopped  PreviewState = "STOPPED"
)

// Preview describes a running preview instance
type Preview struct {
	ProjectID string       `json:"project_id"`
	Port      int          `json:"port"`
	State     PreviewState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
}

// BackendAvailability reports whether an agent CLI is installed
type BackendAvailability struct {
	Kind      string `json:"kind"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}
