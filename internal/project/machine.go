// Package project tracks each project's lifecycle status and active session.
package project

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	"github.com/vibedev/vibedev/internal/common/logger"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
)

// allowedTransitions defines the project lifecycle state machine:
// Initializing -> Active -> Generating <-> Active -> Error -> (Active|Terminated).
// Active -> Error covers session spawns that fail before generation begins.
var allowedTransitions = map[v1.ProjectStatus][]v1.ProjectStatus{
	v1.ProjectStatusInitializing: {v1.ProjectStatusActive, v1.ProjectStatusTerminated},
	v1.ProjectStatusActive:       {v1.ProjectStatusGenerating, v1.ProjectStatusError, v1.ProjectStatusTerminated},
	v1.ProjectStatusGenerating:   {v1.ProjectStatusActive, v1.ProjectStatusError, v1.ProjectStatusTerminated},
	v1.ProjectStatusError:        {v1.ProjectStatusActive, v1.ProjectStatusTerminated},
	v1.ProjectStatusTerminated:   {},
}

// record pairs a project with its own lock so transitions on unrelated
// projects never contend
type record struct {
	mu      sync.Mutex
	project v1.Project
}

// Machine owns all project state mutations. Every transition is serialized
// per project; invalid transitions are rejected without mutating state.
type Machine struct {
	mu      sync.RWMutex
	records map[string]*record
	logger  *logger.Logger
}

// NewMachine creates an empty project state machine
func NewMachine(log *logger.Logger) *Machine {
	return &Machine{
		records: make(map[string]*record),
		logger:  log.WithFields(zap.String("component", "project-machine")),
	}
}

// Create registers a new project in the Initializing state
func (m *Machine) Create(name, workingDir string) v1.Project {
	now := time.Now().UTC()
	p := v1.Project{
		ID:         uuid.New().String(),
		Name:       name,
		Status:     v1.ProjectStatusInitializing,
		WorkingDir: workingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	m.records[p.ID] = &record{project: p}
	m.mu.Unlock()

	m.logger.Info("project created", zap.String("project_id", p.ID), zap.String("name", name))
	return p
}

// Restore registers a project loaded from storage
func (m *Machine) Restore(p v1.Project) {
	// A project interrupted mid-generation comes back as Error so the user
	// can retry; the session it had is gone.
	if p.Status == v1.ProjectStatusGenerating {
		p.Status = v1.ProjectStatusError
		p.ActiveSessionID = nil
	}

	m.mu.Lock()
	m.records[p.ID] = &record{project: p}
	m.mu.Unlock()
}

// Get returns a copy of the project
func (m *Machine) Get(id string) (v1.Project, error) {
	rec, err := m.record(id)
	if err != nil {
		return v1.Project{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.project, nil
}

// List returns copies of all tracked projects
func (m *Machine) List() []v1.Project {
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	result := make([]v1.Project, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		result = append(result, rec.project)
		rec.mu.Unlock()
	}
	return result
}

// Transition moves a project to a new status, failing with InvalidTransition
// if the move is not allowed
func (m *Machine) Transition(id string, to v1.ProjectStatus) (v1.Project, error) {
	return m.mutate(id, func(p *v1.Project) error {
		return checkTransition(p.Status, to, func() { p.Status = to })
	})
}

// BeginGeneration moves Active -> Generating and records the session as the
// project's single active session
func (m *Machine) BeginGeneration(id, sessionID string) (v1.Project, error) {
	return m.mutate(id, func(p *v1.Project) error {
		return checkTransition(p.Status, v1.ProjectStatusGenerating, func() {
			p.Status = v1.ProjectStatusGenerating
			p.ActiveSessionID = &sessionID
		})
	})
}

// FinishGeneration leaves Generating for Active (success) or Error (failure)
// and clears the active session
func (m *Machine) FinishGeneration(id string, success bool) (v1.Project, error) {
	to := v1.ProjectStatusActive
	if !success {
		to = v1.ProjectStatusError
	}
	return m.mutate(id, func(p *v1.Project) error {
		return checkTransition(p.Status, to, func() {
			p.Status = to
			p.ActiveSessionID = nil
		})
	})
}

// Activate moves Initializing or Error back to Active
func (m *Machine) Activate(id string) (v1.Project, error) {
	return m.Transition(id, v1.ProjectStatusActive)
}

// Terminate closes a project permanently
func (m *Machine) Terminate(id string) (v1.Project, error) {
	return m.mutate(id, func(p *v1.Project) error {
		return checkTransition(p.Status, v1.ProjectStatusTerminated, func() {
			p.Status = v1.ProjectStatusTerminated
			p.ActiveSessionID = nil
			p.PreviewPort = nil
		})
	})
}

// SetPreviewPort records the allocated preview port, nil to clear
func (m *Machine) SetPreviewPort(id string, port *int) (v1.Project, error) {
	return m.mutate(id, func(p *v1.Project) error {
		p.PreviewPort = port
		return nil
	})
}

// ActiveSession returns the project's active session ID, if any
func (m *Machine) ActiveSession(id string) (string, bool) {
	rec, err := m.record(id)
	if err != nil {
		return "", false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.project.ActiveSessionID == nil {
		return "", false
	}
	return *rec.project.ActiveSessionID, true
}

func (m *Machine) record(id string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	return rec, nil
}

// mutate applies fn under the project's lock and returns the updated copy
func (m *Machine) mutate(id string, fn func(*v1.Project) error) (v1.Project, error) {
	rec, err := m.record(id)
	if err != nil {
		return v1.Project{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := fn(&rec.project); err != nil {
		return rec.project, err
	}
	rec.project.UpdatedAt = time.Now().UTC()
	return rec.project, nil
}

// checkTransition validates from -> to and applies the mutation only when
// the transition is legal
func checkTransition(from, to v1.ProjectStatus, apply func()) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			apply()
			return nil
		}
	}
	return apperrors.InvalidTransition(string(from), string(to))
}
