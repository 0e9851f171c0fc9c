package project

import (
	"testing"

	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	"github.com/vibedev/vibedev/internal/common/logger"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
)

func newTestMachine() *Machine {
	return NewMachine(logger.NewNop())
}

func TestCreateStartsInitializing(t *testing.T) {
	m := newTestMachine()

	p := m.Create("todo-app", "/tmp/todo-app")
	if p.Status != v1.ProjectStatusInitializing {
		t.Errorf("expected INITIALIZING, got %s", p.Status)
	}
	if p.ID == "" {
		t.Error("expected generated project ID")
	}
}

func TestFullGenerationCycle(t *testing.T) {
	m := newTestMachine()
	p := m.Create("todo-app", "/tmp/todo-app")

	if _, err := m.Activate(p.ID); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	updated, err := m.BeginGeneration(p.ID, "sess-1")
	if err != nil {
		t.Fatalf("BeginGeneration failed: %v", err)
	}
	if updated.Status != v1.ProjectStatusGenerating {
		t.Errorf("expected GENERATING, got %s", updated.Status)
	}
	if updated.ActiveSessionID == nil || *updated.ActiveSessionID != "sess-1" {
		t.Errorf("expected active session sess-1, got %v", updated.ActiveSessionID)
	}

	updated, err = m.FinishGeneration(p.ID, true)
	if err != nil {
		t.Fatalf("FinishGeneration failed: %v", err)
	}
	if updated.Status != v1.ProjectStatusActive {
		t.Errorf("expected ACTIVE after success, got %s", updated.Status)
	}
	if updated.ActiveSessionID != nil {
		t.Error("active session should be cleared after generation ends")
	}
}

func TestSecondPromptWhileGeneratingRejected(t *testing.T) {
	m := newTestMachine()
	p := m.Create("todo-app", "/tmp/todo-app")
	_, _ = m.Activate(p.ID)
	_, _ = m.BeginGeneration(p.ID, "sess-1")

	_, err := m.BeginGeneration(p.ID, "sess-2")
	if err == nil {
		t.Fatal("expected InvalidTransition for prompt while generating")
	}
	if !apperrors.IsInvalidTransition(err) {
		t.Errorf("expected INVALID_TRANSITION code, got %v", err)
	}

	// State must be unchanged
	current, _ := m.Get(p.ID)
	if current.Status != v1.ProjectStatusGenerating {
		t.Errorf("state mutated by rejected transition: %s", current.Status)
	}
	if current.ActiveSessionID == nil || *current.ActiveSessionID != "sess-1" {
		t.Errorf("active session mutated by rejected transition: %v", current.ActiveSessionID)
	}
}

func TestFailureEntersErrorThenRetry(t *testing.T) {
	m := newTestMachine()
	p := m.Create("todo-app", "/tmp/todo-app")
	_, _ = m.Activate(p.ID)
	_, _ = m.BeginGeneration(p.ID, "sess-1")

	updated, err := m.FinishGeneration(p.ID, false)
	if err != nil {
		t.Fatalf("FinishGeneration failed: %v", err)
	}
	if updated.Status != v1.ProjectStatusError {
		t.Errorf("expected ERROR after failure, got %s", updated.Status)
	}

	// Retry returns to Active
	updated, err = m.Activate(p.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if updated.Status != v1.ProjectStatusActive {
		t.Errorf("expected ACTIVE after retry, got %s", updated.Status)
	}
}

func TestActiveCanFailBeforeGeneration(t *testing.T) {
	m := newTestMachine()
	p := m.Create("todo-app", "/tmp/todo-app")
	_, _ = m.Activate(p.ID)

	// A session spawn that fails before generation begins
	updated, err := m.Transition(p.ID, v1.ProjectStatusError)
	if err != nil {
		t.Fatalf("Transition to ERROR failed: %v", err)
	}
	if updated.Status != v1.ProjectStatusError {
		t.Errorf("expected ERROR, got %s", updated.Status)
	}

	if _, err := m.Activate(p.ID); err != nil {
		t.Fatalf("retry after spawn failure failed: %v", err)
	}
}

func TestTerminatedAcceptsNothing(t *testing.T) {
	m := newTestMachine()
	p := m.Create("todo-app", "/tmp/todo-app")
	_, _ = m.Activate(p.ID)

	if _, err := m.Terminate(p.ID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	if _, err := m.Activate(p.ID); err == nil {
		t.Error("terminated project should reject activation")
	}
	if _, err := m.BeginGeneration(p.ID, "sess-1"); err == nil {
		t.Error("terminated project should reject generation")
	}
}

func TestRestoreDowngradesGenerating(t *testing.T) {
	m := newTestMachine()

	sessionID := "sess-crashed"
	m.Restore(v1.Project{
		ID:              "proj-restored",
		Status:          v1.ProjectStatusGenerating,
		ActiveSessionID: &sessionID,
	})

	p, err := m.Get("proj-restored")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Status != v1.ProjectStatusError {
		t.Errorf("expected restored GENERATING project to become ERROR, got %s", p.Status)
	}
	if p.ActiveSessionID != nil {
		t.Error("restored project should not keep a dead session")
	}
}

func TestGetUnknownProject(t *testing.T) {
	m := newTestMachine()
	if _, err := m.Get("nope"); !apperrors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
