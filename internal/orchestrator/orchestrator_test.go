package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vibedev/vibedev/internal/backend"
	"github.com/vibedev/vibedev/internal/common/config"
	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/preview"
	"github.com/vibedev/vibedev/internal/process"
	"github.com/vibedev/vibedev/internal/project"
	"github.com/vibedev/vibedev/internal/relay"
	"github.com/vibedev/vibedev/internal/storage"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
	"github.com/vibedev/vibedev/pkg/events"
)

const kindFake backend.Kind = "fake"

// fakeBackend drives real short-lived processes so the orchestrator's
// session bookkeeping runs against genuine exits
type fakeBackend struct {
	sup *process.Supervisor

	mu       sync.Mutex
	script   string // shell command each session runs
	succeed  bool   // whether a success result is reported
	failFrom int    // Start calls numbered >= failFrom fail, 0 disables
	starts   int
	sent     []string
}

func (f *fakeBackend) Kind() backend.Kind { return kindFake }

func (f *fakeBackend) Start(ctx context.Context, req *backend.StartRequest) (*backend.SessionHandle, error) {
	f.mu.Lock()
	f.starts++
	script := f.script
	succeed := f.succeed
	fail := f.failFrom > 0 && f.starts >= f.failFrom
	f.mu.Unlock()

	if fail {
		return nil, apperrors.SpawnError("fake-agent", fmt.Errorf("binary vanished"))
	}

	h, err := f.sup.Spawn(ctx, process.Spec{
		Command: "sh",
		Args:    []string{"-c", script},
		Dir:     req.WorkingDir,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *events.StructuredEvent, 8)
	handle := &backend.SessionHandle{
		SessionID: uuid.New().String(),
		ProjectID: req.ProjectID,
		Kind:      kindFake,
		Process:   h,
		Events:    out,
	}

	go func() {
		out <- events.NewAssistantMessage(req.ProjectID, handle.SessionID, "working on it")
		for range h.Output() {
		}
		<-h.Done()
		if succeed && !h.ExitStatus().Crashed {
			handle.SetResult(backend.Result{Success: true, Message: "done"})
		}
		close(out)
	}()

	return handle, nil
}

func (f *fakeBackend) Send(ctx context.Context, handle *backend.SessionHandle, input string) error {
	f.mu.Lock()
	f.sent = append(f.sent, input)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context, handle *backend.SessionHandle) error {
	return handle.Process.Stop(2 * time.Second)
}

func (f *fakeBackend) CheckAvailability(ctx context.Context) *v1.BackendAvailability {
	return &v1.BackendAvailability{Kind: string(kindFake), Installed: true, Version: "test"}
}

func (f *fakeBackend) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fixture struct {
	orch  *Orchestrator
	fake  *fakeBackend
	relay *relay.Relay
	store storage.Repository
}

func newFixture(t *testing.T, maxRestarts int) *fixture {
	t.Helper()
	log := logger.NewNop()
	process.InitRegistry(log)

	cfg := &config.Config{
		Supervisor: config.SupervisorConfig{
			SpawnTimeout:    5 * time.Second,
			StopGracePeriod: 2 * time.Second,
			MaxRestarts:     maxRestarts,
			RestartCooldown: 30 * time.Second,
		},
		Relay:   config.RelayConfig{RingSize: 100, SubscriberQueue: 64},
		Preview: config.PreviewConfig{PortRangeStart: 4500, PortRangeEnd: 4510, Command: "sleep", Args: []string{"30"}, StopTimeout: 2 * time.Second},
		Watcher: config.WatcherConfig{Debounce: 100 * time.Millisecond},
	}

	sup := process.NewSupervisor(cfg.Supervisor, log)
	r := relay.NewRelay(cfg.Relay, log)
	store := storage.NewMemoryRepository()
	machine := project.NewMachine(log)
	previews := preview.NewCoordinator(cfg.Preview, sup, r, log)

	fake := &fakeBackend{sup: sup, script: "true", succeed: true}
	registry := backend.NewRegistry(log)
	registry.Register(fake)

	orch := New(cfg, machine, registry, r, store, previews, log)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })
	return &fixture{orch: orch, fake: fake, relay: r, store: store}
}

func waitForStatus(t *testing.T, orch *Orchestrator, projectID string, want v1.ProjectStatus) v1.Project {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, err := orch.GetProject(projectID)
		if err != nil {
			t.Fatalf("GetProject failed: %v", err)
		}
		if p.Status == want {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, _ := orch.GetProject(projectID)
	t.Fatalf("project never reached %s, stuck at %s", want, p.Status)
	return v1.Project{}
}

func TestCreateProjectBecomesActive(t *testing.T) {
	fx := newFixture(t, 0)

	p, err := fx.orch.CreateProject(context.Background(), "todo-app", filepath.Join(t.TempDir(), "todo-app"))
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if p.Status != v1.ProjectStatusActive {
		t.Errorf("expected ACTIVE, got %s", p.Status)
	}

	stored, err := fx.store.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("project not persisted: %v", err)
	}
	if stored.Status != v1.ProjectStatusActive {
		t.Errorf("persisted status %s, want ACTIVE", stored.Status)
	}
}

func TestPromptRunsSessionToCompletion(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	p, err := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	sub := fx.relay.SubscribeLive(p.ID)
	defer fx.relay.Unsubscribe(sub)

	sessionID, err := fx.orch.Prompt(ctx, p.ID, kindFake, "build a todo app")
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a session ID")
	}

	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusActive)

	// Event stream carried the user message, assistant output and the end
	seen := map[events.Type]bool{}
	deadline := time.After(5 * time.Second)
	for !seen[events.TypeSessionEnded] {
		select {
		case ev := <-sub.C:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing session_ended, saw %v", seen)
		}
	}
	if !seen[events.TypeUserMessage] || !seen[events.TypeAssistantMessage] {
		t.Errorf("incomplete event stream: %v", seen)
	}

	// Both sides of the conversation were persisted
	messages, err := fx.orch.Messages(ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Errorf("unexpected roles: %s, %s", messages[0].Role, messages[1].Role)
	}
}

func TestPromptWhileGeneratingIsRejected(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	fx.fake.script = "sleep 30"

	p, _ := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))
	if _, err := fx.orch.Prompt(ctx, p.ID, kindFake, "build it"); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusGenerating)

	_, err := fx.orch.Prompt(ctx, p.ID, kindFake, "make the header blue")
	if !apperrors.IsInvalidTransition(err) {
		t.Fatalf("expected INVALID_TRANSITION while generating, got %v", err)
	}
	if fx.fake.startCount() != 1 {
		t.Errorf("no new session should spawn, got %d starts", fx.fake.startCount())
	}

	// State untouched; the running session is still cancellable
	current, _ := fx.orch.GetProject(p.ID)
	if current.Status != v1.ProjectStatusGenerating {
		t.Errorf("status changed to %s", current.Status)
	}

	_ = fx.orch.Cancel(ctx, p.ID)
	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusActive)
}

func TestCancelReturnsProjectToActive(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	fx.fake.script = "sleep 30"

	p, _ := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))
	sessionID, err := fx.orch.Prompt(ctx, p.ID, kindFake, "build it")
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}

	sub := fx.relay.SubscribeLive(p.ID)
	defer fx.relay.Unsubscribe(sub)

	if err := fx.orch.Cancel(ctx, p.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusActive)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == events.TypeSessionEnded {
				if ev.SessionID != sessionID {
					t.Errorf("session_ended for wrong session %s", ev.SessionID)
				}
				if reason, _ := ev.Payload["reason"].(string); reason != "cancelled" {
					t.Errorf("expected reason cancelled, got %q", reason)
				}
				if success, _ := ev.Payload["success"].(bool); success {
					t.Error("a user abort must not report success")
				}
				return
			}
		case <-deadline:
			t.Fatal("no session_ended after cancel")
		}
	}
}

func TestCrashWithoutBudgetEntersError(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	fx.fake.script = "exit 1"
	fx.fake.succeed = false

	p, _ := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))
	if _, err := fx.orch.Prompt(ctx, p.ID, kindFake, "build it"); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}

	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusError)
	if fx.fake.startCount() != 1 {
		t.Errorf("expected no restart, got %d starts", fx.fake.startCount())
	}
}

func TestCrashRestartsOnceThenErrors(t *testing.T) {
	fx := newFixture(t, 1)
	ctx := context.Background()

	fx.fake.script = "exit 1"
	fx.fake.succeed = false

	p, _ := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))
	if _, err := fx.orch.Prompt(ctx, p.ID, kindFake, "build it"); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}

	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusError)

	deadline := time.Now().Add(5 * time.Second)
	for fx.fake.startCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fx.fake.startCount() != 2 {
		t.Errorf("expected exactly 1 restart (2 starts), got %d", fx.fake.startCount())
	}
}

func TestRestartFailureEntersError(t *testing.T) {
	fx := newFixture(t, 1)
	ctx := context.Background()

	// First session crashes; the promised restart cannot spawn
	fx.fake.script = "exit 1"
	fx.fake.succeed = false
	fx.fake.failFrom = 2

	p, _ := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))

	sub := fx.relay.SubscribeLive(p.ID)
	defer fx.relay.Unsubscribe(sub)

	if _, err := fx.orch.Prompt(ctx, p.ID, kindFake, "build it"); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}

	// The restart is attempted and fails; the project must settle in ERROR
	deadline := time.Now().Add(5 * time.Second)
	for fx.fake.startCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fx.fake.startCount() != 2 {
		t.Fatalf("expected exactly one restart attempt, got %d starts", fx.fake.startCount())
	}
	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusError)

	// Clients first hear restart:true, then the terminal restart:false
	sawTerminal := false
	timeout := time.After(5 * time.Second)
	for !sawTerminal {
		select {
		case ev := <-sub.C:
			if ev.Type != events.TypeSessionEnded {
				continue
			}
			restart, _ := ev.Payload["restart"].(bool)
			if !restart {
				sawTerminal = true
				if success, _ := ev.Payload["success"].(bool); success {
					t.Error("terminal session_ended must not report success")
				}
			}
		case <-timeout:
			t.Fatal("no terminal session_ended after failed restart")
		}
	}
}

func TestStartFailurePublishesSessionEnded(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	fx.fake.failFrom = 1

	p, _ := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))

	sub := fx.relay.SubscribeLive(p.ID)
	defer fx.relay.Unsubscribe(sub)

	_, err := fx.orch.Prompt(ctx, p.ID, kindFake, "build it")
	if !apperrors.IsCode(err, apperrors.ErrCodeSpawnError) {
		t.Fatalf("expected SPAWN_ERROR, got %v", err)
	}

	// Stream-only subscribers learn the attempt failed
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type != events.TypeSessionEnded {
				continue
			}
			if success, _ := ev.Payload["success"].(bool); success {
				t.Error("failed start must not report success")
			}
			if reason, _ := ev.Payload["reason"].(string); reason == "" {
				t.Error("expected a human-readable failure reason")
			}
			// The project stays retryable
			current, _ := fx.orch.GetProject(p.ID)
			if current.Status != v1.ProjectStatusActive {
				t.Errorf("expected ACTIVE after failed start, got %s", current.Status)
			}
			return
		case <-deadline:
			t.Fatal("no session_ended after failed start")
		}
	}
}

func TestRetryAfterError(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	fx.fake.script = "exit 1"
	fx.fake.succeed = false

	p, _ := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))
	_, _ = fx.orch.Prompt(ctx, p.ID, kindFake, "build it")
	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusError)

	// User retries; the prompt succeeds this time
	fx.fake.mu.Lock()
	fx.fake.script = "true"
	fx.fake.succeed = true
	fx.fake.mu.Unlock()

	if _, err := fx.orch.Prompt(ctx, p.ID, kindFake, "try again"); err != nil {
		t.Fatalf("retry Prompt failed: %v", err)
	}
	waitForStatus(t, fx.orch, p.ID, v1.ProjectStatusActive)
}

func TestTerminateRejectsFurtherOperations(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	p, _ := fx.orch.CreateProject(ctx, "todo-app", filepath.Join(t.TempDir(), "todo-app"))
	if err := fx.orch.Terminate(ctx, p.ID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	if _, err := fx.orch.Prompt(ctx, p.ID, kindFake, "hello"); !apperrors.IsInvalidTransition(err) {
		t.Errorf("expected INVALID_TRANSITION after terminate, got %v", err)
	}
	if _, err := fx.orch.StartPreview(ctx, p.ID); err == nil {
		t.Error("expected preview start to fail after terminate")
	}
}

func TestRestoreDowngradesGeneratingProjects(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	sessionID := "sess-dead"
	_ = fx.store.CreateProject(ctx, &v1.Project{
		ID:              "proj-restored",
		Name:            "app",
		Status:          v1.ProjectStatusGenerating,
		ActiveSessionID: &sessionID,
		WorkingDir:      t.TempDir(),
	})
	_ = fx.store.CreateSession(ctx, &v1.Session{ID: sessionID, ProjectID: "proj-restored", BackendKind: string(kindFake)})

	if err := fx.orch.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	p, err := fx.orch.GetProject("proj-restored")
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if p.Status != v1.ProjectStatusError {
		t.Errorf("expected restored GENERATING project in ERROR, got %s", p.Status)
	}

	sessions, _ := fx.store.ListSessions(ctx, "proj-restored")
	if len(sessions) != 1 || sessions[0].EndedAt == nil {
		t.Error("dead session should be finished during restore")
	}
}

func TestAvailabilityListsBackends(t *testing.T) {
	fx := newFixture(t, 0)

	avail := fx.orch.Availability(context.Background())
	if len(avail) != 1 || avail[0].Kind != string(kindFake) || !avail[0].Installed {
		t.Errorf("unexpected availability report: %+v", avail)
	}
}
