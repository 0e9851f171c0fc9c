package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
)

// MemoryRepository provides in-memory orchestration state storage
type MemoryRepository struct {
	projects map[string]*v1.Project
	sessions map[string]*v1.Session
	messages map[string][]*v1.Message // keyed by project ID, append order
	mu       sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects: make(map[string]*v1.Project),
		sessions: make(map[string]*v1.Session),
		messages: make(map[string][]*v1.Message),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Project operations

// CreateProject creates a new project record
func (r *MemoryRepository) CreateProject(ctx context.Context, project *v1.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	copied := *project
	r.projects[project.ID] = &copied
	return nil
}

// GetProject retrieves a project by ID
func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, ok := r.projects[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	copied := *project
	return &copied, nil
}

// UpdateProject updates an existing project record
func (r *MemoryRepository) UpdateProject(ctx context.Context, project *v1.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[project.ID]; !ok {
		return apperrors.NotFound("project", project.ID)
	}
	project.UpdatedAt = time.Now().UTC()
	copied := *project
	r.projects[project.ID] = &copied
	return nil
}

// DeleteProject deletes a project and its sessions and messages
func (r *MemoryRepository) DeleteProject(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[id]; !ok {
		return apperrors.NotFound("project", id)
	}
	delete(r.projects, id)
	delete(r.messages, id)
	for sid, session := range r.sessions {
		if session.ProjectID == id {
			delete(r.sessions, sid)
		}
	}
	return nil
}

// ListProjects returns all projects ordered by creation time
func (r *MemoryRepository) ListProjects(ctx context.Context) ([]*v1.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*v1.Project, 0, len(r.projects))
	for _, project := range r.projects {
		copied := *project
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Session operations

// CreateSession creates a new session record
func (r *MemoryRepository) CreateSession(ctx context.Context, session *v1.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

// FinishSession marks a session as ended with the given reason
func (r *MemoryRepository) FinishSession(ctx context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	now := time.Now().UTC()
	session.EndedAt = &now
	session.EndReason = &reason
	return nil
}

// ListSessions returns all sessions for a project, oldest first
func (r *MemoryRepository) ListSessions(ctx context.Context, projectID string) ([]*v1.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.Session
	for _, session := range r.sessions {
		if session.ProjectID == projectID {
			copied := *session
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// Message operations

// AppendMessage appends a conversation message for a project
func (r *MemoryRepository) AppendMessage(ctx context.Context, message *v1.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	copied := *message
	r.messages[message.ProjectID] = append(r.messages[message.ProjectID], &copied)
	return nil
}

// ListMessages returns the most recent messages for a project in append
// order. A limit of 0 returns everything.
func (r *MemoryRepository) ListMessages(ctx context.Context, projectID string, limit int) ([]*v1.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.messages[projectID]
	start := 0
	if limit > 0 && len(stored) > limit {
		start = len(stored) - limit
	}

	result := make([]*v1.Message, 0, len(stored)-start)
	for _, message := range stored[start:] {
		copied := *message
		result = append(result, &copied)
	}
	return result, nil
}
