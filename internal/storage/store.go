// Package storage persists projects, sessions and conversation messages.
// The in-memory implementation backs tests and ephemeral deployments, the
// SQLite and Postgres implementations back durable ones.
package storage

import (
	"context"

	v1 "github.com/vibedev/vibedev/pkg/api/v1"
)

// Repository defines the interface for orchestration state persistence
type Repository interface {
	// Project operations
	CreateProject(ctx context.Context, project *v1.Project) error
	GetProject(ctx context.Context, id string) (*v1.Project, error)
	UpdateProject(ctx context.Context, project *v1.Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]*v1.Project, error)

	// Session operations
	CreateSession(ctx context.Context, session *v1.Session) error
	FinishSession(ctx context.Context, id string, reason string) error
	ListSessions(ctx context.Context, projectID string) ([]*v1.Session, error)

	// Message operations
	AppendMessage(ctx context.Context, message *v1.Message) error
	ListMessages(ctx context.Context, projectID string, limit int) ([]*v1.Message, error)

	// Close closes the repository (for database connections)
	Close() error
}
