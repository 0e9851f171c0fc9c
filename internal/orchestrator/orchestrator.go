// Package orchestrator ties the project state machine, agent backends,
// session relay, preview coordinator and storage together into the
// operations the API layer exposes.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/backend"
	"github.com/vibedev/vibedev/internal/common/config"
	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/preview"
	"github.com/vibedev/vibedev/internal/project"
	"github.com/vibedev/vibedev/internal/relay"
	"github.com/vibedev/vibedev/internal/storage"
	"github.com/vibedev/vibedev/internal/watcher"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
	"github.com/vibedev/vibedev/pkg/events"
)

// session tracks one live agent run and what is needed to restart it
type session struct {
	handle    *backend.SessionHandle
	kind      backend.Kind
	req       backend.StartRequest
	cancelled bool
}

// restartState tracks crash restarts for a project within the cooldown
// window
type restartState struct {
	count int
	last  time.Time
}

// Orchestrator coordinates all project lifecycle operations
type Orchestrator struct {
	cfg      *config.Config
	machine  *project.Machine
	backends *backend.Registry
	relay    *relay.Relay
	store    storage.Repository
	preview  *preview.Coordinator
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session // by project ID
	watchers map[string]*watcher.Watcher
	restarts map[string]*restartState
	lastKind map[string]backend.Kind
}

// New creates the orchestrator
func New(cfg *config.Config, machine *project.Machine, backends *backend.Registry, r *relay.Relay, store storage.Repository, previews *preview.Coordinator, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		machine:  machine,
		backends: backends,
		relay:    r,
		store:    store,
		preview:  previews,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		sessions: make(map[string]*session),
		watchers: make(map[string]*watcher.Watcher),
		restarts: make(map[string]*restartState),
		lastKind: make(map[string]backend.Kind),
	}
}

// Restore loads persisted projects into the state machine. Projects that
// were generating when the service died come back in ERROR with their dead
// session cleared; watchers are restarted for everything not terminated.
func (o *Orchestrator) Restore(ctx context.Context) error {
	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}

	for _, p := range projects {
		wasGenerating := p.Status == v1.ProjectStatusGenerating
		o.machine.Restore(*p)

		restored, err := o.machine.Get(p.ID)
		if err != nil {
			continue
		}
		if wasGenerating {
			if err := o.store.UpdateProject(ctx, &restored); err != nil {
				o.logger.Warn("Failed to persist restored project",
					zap.String("project_id", p.ID), zap.Error(err))
			}
			if p.ActiveSessionID != nil {
				_ = o.store.FinishSession(ctx, *p.ActiveSessionID, "orchestrator restarted")
			}
		}
		if restored.Status != v1.ProjectStatusTerminated {
			o.startWatcher(restored.ID, restored.WorkingDir)
		}
	}

	o.logger.Info("Restored projects", zap.Int("count", len(projects)))
	return nil
}

// CreateProject provisions a workspace and registers the project. It is
// returned in ACTIVE state, ready for its first prompt.
func (o *Orchestrator) CreateProject(ctx context.Context, name, workingDir string) (v1.Project, error) {
	if name == "" {
		return v1.Project{}, apperrors.ValidationError("name", "must not be empty")
	}
	if workingDir == "" {
		return v1.Project{}, apperrors.ValidationError("working_dir", "must not be empty")
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return v1.Project{}, apperrors.Wrap(err, "failed to create workspace directory")
	}

	p := o.machine.Create(name, workingDir)
	if err := o.store.CreateProject(ctx, &p); err != nil {
		return v1.Project{}, apperrors.Wrap(err, "failed to persist project")
	}

	activated, err := o.transition(ctx, p.ID, "workspace ready", func() (v1.Project, error) {
		return o.machine.Activate(p.ID)
	})
	if err != nil {
		return p, err
	}

	o.startWatcher(p.ID, workingDir)
	o.logger.Info("Project created",
		zap.String("project_id", p.ID), zap.String("name", name))
	return activated, nil
}

// GetProject returns the current project state
func (o *Orchestrator) GetProject(id string) (v1.Project, error) {
	return o.machine.Get(id)
}

// ListProjects returns all known projects
func (o *Orchestrator) ListProjects() []v1.Project {
	return o.machine.List()
}

// Prompt starts a new agent session for a project. Concurrent prompts are
// serialized per project: a prompt while a session is already generating is
// rejected with InvalidTransition rather than queued.
func (o *Orchestrator) Prompt(ctx context.Context, projectID string, kind backend.Kind, text string) (string, error) {
	if text == "" {
		return "", apperrors.ValidationError("text", "must not be empty")
	}

	p, err := o.machine.Get(projectID)
	if err != nil {
		return "", err
	}

	if p.Status != v1.ProjectStatusActive && p.Status != v1.ProjectStatusError {
		return "", apperrors.InvalidTransition(string(p.Status), string(v1.ProjectStatusGenerating))
	}

	// A failed project re-enters ACTIVE when the user retries
	if p.Status == v1.ProjectStatusError {
		if _, err := o.transition(ctx, projectID, "retry", func() (v1.Project, error) {
			return o.machine.Activate(projectID)
		}); err != nil {
			return "", err
		}
	}

	b, err := o.backends.Get(kind)
	if err != nil {
		return "", apperrors.BadRequest(err.Error())
	}

	req := backend.StartRequest{
		ProjectID:  projectID,
		Prompt:     text,
		WorkingDir: p.WorkingDir,
	}
	sessionID, err := o.startSession(ctx, projectID, b, req, text)
	if err != nil {
		// Subscribers watching only the stream still learn the attempt
		// failed; the project stays retryable
		o.relay.Publish(events.NewSessionEnded(projectID, "", false, err.Error()))
		return "", err
	}
	return sessionID, nil
}

// startSession moves the project to GENERATING and spawns the agent
func (o *Orchestrator) startSession(ctx context.Context, projectID string, b backend.Backend, req backend.StartRequest, userText string) (string, error) {
	handle, err := b.Start(ctx, &req)
	if err != nil {
		return "", err
	}
	sessionID := handle.SessionID

	if _, err := o.transition(ctx, projectID, "generation started", func() (v1.Project, error) {
		return o.machine.BeginGeneration(projectID, sessionID)
	}); err != nil {
		_ = b.Stop(ctx, handle)
		return "", err
	}

	sess := &session{handle: handle, kind: b.Kind(), req: req}
	o.mu.Lock()
	o.sessions[projectID] = sess
	o.lastKind[projectID] = b.Kind()
	o.mu.Unlock()

	if err := o.store.CreateSession(ctx, &v1.Session{
		ID:          sessionID,
		ProjectID:   projectID,
		BackendKind: string(b.Kind()),
	}); err != nil {
		o.logger.Warn("Failed to persist session", zap.Error(err))
	}

	if userText != "" {
		o.recordUserMessage(ctx, projectID, sessionID, userText)
	}

	go o.pump(projectID, sess)

	o.logger.Info("Session started",
		zap.String("project_id", projectID),
		zap.String("session_id", sessionID),
		zap.String("backend", string(b.Kind())))
	return sessionID, nil
}

func (o *Orchestrator) recordUserMessage(ctx context.Context, projectID, sessionID, text string) {
	o.relay.Publish(events.NewUserMessage(projectID, sessionID, text))
	if err := o.store.AppendMessage(ctx, &v1.Message{
		ProjectID: projectID,
		SessionID: sessionID,
		Role:      "user",
		Content:   text,
	}); err != nil {
		o.logger.Warn("Failed to persist user message", zap.Error(err))
	}
}

// pump forwards the session's normalized events to the relay and drives the
// end-of-session bookkeeping when the agent exits
func (o *Orchestrator) pump(projectID string, sess *session) {
	ctx := context.Background()
	sessionID := sess.handle.SessionID

	for ev := range sess.handle.Events {
		o.relay.Publish(ev)

		if ev.Type == events.TypeAssistantMessage {
			text, _ := ev.Payload["text"].(string)
			if err := o.store.AppendMessage(ctx, &v1.Message{
				ProjectID: projectID,
				SessionID: sessionID,
				Role:      "assistant",
				Content:   text,
			}); err != nil {
				o.logger.Warn("Failed to persist assistant message", zap.Error(err))
			}
		}
	}

	<-sess.handle.Process.Done()
	exit := sess.handle.Process.ExitStatus()
	result, hasResult := sess.handle.Result()

	o.mu.Lock()
	delete(o.sessions, projectID)
	cancelled := sess.cancelled
	o.mu.Unlock()

	switch {
	case cancelled:
		o.endSession(ctx, projectID, sessionID, false, "cancelled")
	case hasResult && result.Success && !exit.Crashed:
		o.endSession(ctx, projectID, sessionID, true, "completed")
	case hasResult && !result.Success:
		o.failSession(ctx, projectID, sess, result.Message)
	default:
		o.failSession(ctx, projectID, sess,
			fmt.Sprintf("agent process exited with code %d", exit.Code))
	}
}

// endSession closes out a finished or cancelled session
func (o *Orchestrator) endSession(ctx context.Context, projectID, sessionID string, success bool, reason string) {
	o.relay.Publish(events.NewSessionEnded(projectID, sessionID, success, reason))
	if err := o.store.FinishSession(ctx, sessionID, reason); err != nil {
		o.logger.Warn("Failed to persist session end", zap.Error(err))
	}

	if _, err := o.transition(ctx, projectID, reason, func() (v1.Project, error) {
		return o.machine.FinishGeneration(projectID, true)
	}); err != nil {
		o.logger.Warn("Failed to finish generation",
			zap.String("project_id", projectID), zap.Error(err))
	}

	o.logger.Info("Session ended",
		zap.String("project_id", projectID),
		zap.String("session_id", sessionID),
		zap.Bool("success", success),
		zap.String("reason", reason))
}

// failSession records a failed session and applies the restart policy: a
// limited number of automatic restarts within the cooldown window, after
// which the project stays in ERROR until the user retries.
func (o *Orchestrator) failSession(ctx context.Context, projectID string, sess *session, reason string) {
	sessionID := sess.handle.SessionID
	restart := o.mayRestart(projectID)

	o.relay.Publish(events.New(events.TypeSessionEnded, projectID, sessionID, map[string]interface{}{
		"success": false,
		"reason":  reason,
		"restart": restart,
	}))
	if err := o.store.FinishSession(ctx, sessionID, reason); err != nil {
		o.logger.Warn("Failed to persist session end", zap.Error(err))
	}

	if _, err := o.transition(ctx, projectID, reason, func() (v1.Project, error) {
		return o.machine.FinishGeneration(projectID, false)
	}); err != nil {
		o.logger.Warn("Failed to record generation failure",
			zap.String("project_id", projectID), zap.Error(err))
		return
	}

	if !restart {
		o.logger.Warn("Session failed, not restarting",
			zap.String("project_id", projectID),
			zap.String("reason", reason))
		return
	}

	o.logger.Info("Restarting failed session",
		zap.String("project_id", projectID),
		zap.String("session_id", sessionID))

	if _, err := o.transition(ctx, projectID, "automatic restart", func() (v1.Project, error) {
		return o.machine.Activate(projectID)
	}); err != nil {
		return
	}

	b, err := o.backends.Get(sess.kind)
	if err != nil {
		o.abortRestart(ctx, projectID, sessionID, err)
		return
	}
	if _, err := o.startSession(ctx, projectID, b, sess.req, ""); err != nil {
		o.abortRestart(ctx, projectID, sessionID, err)
	}
}

// abortRestart records a promised restart that could not be delivered: the
// project moves to ERROR and subscribers get a terminal session_ended so
// they stop waiting for the replacement session.
func (o *Orchestrator) abortRestart(ctx context.Context, projectID, sessionID string, cause error) {
	o.logger.Error("Restart failed",
		zap.String("project_id", projectID), zap.Error(cause))

	o.relay.Publish(events.New(events.TypeSessionEnded, projectID, sessionID, map[string]interface{}{
		"success": false,
		"reason":  fmt.Sprintf("restart failed: %v", cause),
		"restart": false,
	}))

	if _, err := o.transition(ctx, projectID, "restart failed", func() (v1.Project, error) {
		return o.machine.Transition(projectID, v1.ProjectStatusError)
	}); err != nil {
		o.logger.Warn("Failed to record restart failure",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

// mayRestart consumes one restart budget slot for the project. The counter
// resets once the cooldown window has passed without a crash.
func (o *Orchestrator) mayRestart(projectID string) bool {
	maxRestarts := o.cfg.Supervisor.MaxRestarts
	cooldown := o.cfg.Supervisor.RestartCooldown
	if maxRestarts <= 0 {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.restarts[projectID]
	now := time.Now()
	if !ok || now.Sub(state.last) > cooldown {
		state = &restartState{}
		o.restarts[projectID] = state
	}
	state.last = now

	if state.count >= maxRestarts {
		return false
	}
	state.count++
	return true
}

// Cancel interrupts the live session; the project returns to ACTIVE
func (o *Orchestrator) Cancel(ctx context.Context, projectID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[projectID]
	if ok {
		sess.cancelled = true
	}
	o.mu.Unlock()

	if !ok {
		return apperrors.Conflict("no live session to cancel")
	}

	b, err := o.backends.Get(sess.kind)
	if err != nil {
		return err
	}
	return b.Stop(ctx, sess.handle)
}

// Terminate tears down everything belonging to a project: session, preview,
// watcher and relay stream. The record is kept in storage.
func (o *Orchestrator) Terminate(ctx context.Context, projectID string) error {
	o.mu.Lock()
	sess, hasSession := o.sessions[projectID]
	if hasSession {
		sess.cancelled = true
	}
	w := o.watchers[projectID]
	delete(o.watchers, projectID)
	delete(o.restarts, projectID)
	o.mu.Unlock()

	if hasSession {
		if b, err := o.backends.Get(sess.kind); err == nil {
			_ = b.Stop(ctx, sess.handle)
		}
	}
	if w != nil {
		w.Stop()
	}
	if err := o.preview.Stop(projectID); err != nil && !apperrors.IsNotFound(err) {
		o.logger.Warn("Failed to stop preview",
			zap.String("project_id", projectID), zap.Error(err))
	}

	if _, err := o.transition(ctx, projectID, "terminated by user", func() (v1.Project, error) {
		return o.machine.Terminate(projectID)
	}); err != nil {
		return err
	}

	o.relay.DropProject(projectID)
	o.logger.Info("Project terminated", zap.String("project_id", projectID))
	return nil
}

// StartPreview spawns the project's dev server
func (o *Orchestrator) StartPreview(ctx context.Context, projectID string) (*v1.Preview, error) {
	p, err := o.machine.Get(projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == v1.ProjectStatusTerminated {
		return nil, apperrors.Conflict("project is terminated")
	}

	pv, err := o.preview.Start(ctx, projectID, p.WorkingDir)
	if err != nil {
		return nil, err
	}

	if _, err := o.machine.SetPreviewPort(projectID, &pv.Port); err != nil {
		o.logger.Warn("Failed to record preview port", zap.Error(err))
	}
	if updated, err := o.machine.Get(projectID); err == nil {
		if err := o.store.UpdateProject(ctx, &updated); err != nil {
			o.logger.Warn("Failed to persist preview port", zap.Error(err))
		}
	}
	return pv, nil
}

// StopPreview stops the project's dev server
func (o *Orchestrator) StopPreview(ctx context.Context, projectID string) error {
	if err := o.preview.Stop(projectID); err != nil {
		return err
	}
	if _, err := o.machine.SetPreviewPort(projectID, nil); err != nil {
		o.logger.Warn("Failed to clear preview port", zap.Error(err))
	}
	if updated, err := o.machine.Get(projectID); err == nil {
		_ = o.store.UpdateProject(ctx, &updated)
	}
	return nil
}

// PreviewStatus probes and returns the preview's health
func (o *Orchestrator) PreviewStatus(projectID string) (*v1.Preview, error) {
	return o.preview.HealthCheck(projectID)
}

// Messages returns the project's persisted conversation history
func (o *Orchestrator) Messages(ctx context.Context, projectID string, limit int) ([]*v1.Message, error) {
	if _, err := o.machine.Get(projectID); err != nil {
		return nil, err
	}
	return o.store.ListMessages(ctx, projectID, limit)
}

// Availability reports installation status of every registered backend
func (o *Orchestrator) Availability(ctx context.Context) []*v1.BackendAvailability {
	var result []*v1.BackendAvailability
	for _, b := range o.backends.List() {
		result = append(result, b.CheckAvailability(ctx))
	}
	return result
}

// CurrentSequence exposes the relay's sequence head for snapshot responses
func (o *Orchestrator) CurrentSequence(projectID string) uint64 {
	return o.relay.CurrentSequence(projectID)
}

// HandleUserMessage implements relay.CommandHandler for WebSocket input
func (o *Orchestrator) HandleUserMessage(ctx context.Context, projectID, text string) error {
	o.mu.Lock()
	kind, ok := o.lastKind[projectID]
	o.mu.Unlock()
	if !ok {
		kind = backend.KindClaude
	}

	_, err := o.Prompt(ctx, projectID, kind, text)
	return err
}

// HandleCancel implements relay.CommandHandler for WebSocket input
func (o *Orchestrator) HandleCancel(ctx context.Context, projectID string) error {
	return o.Cancel(ctx, projectID)
}

// Shutdown stops watchers, live sessions and previews
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	sessions := make(map[string]*session, len(o.sessions))
	for id, s := range o.sessions {
		s.cancelled = true
		sessions[id] = s
	}
	watchers := o.watchers
	o.watchers = make(map[string]*watcher.Watcher)
	o.mu.Unlock()

	for projectID, sess := range sessions {
		if b, err := o.backends.Get(sess.kind); err == nil {
			if err := b.Stop(ctx, sess.handle); err != nil {
				o.logger.Warn("Failed to stop session",
					zap.String("project_id", projectID), zap.Error(err))
			}
		}
	}
	for _, w := range watchers {
		w.Stop()
	}
	o.preview.StopAll()
	o.logger.Info("Orchestrator shut down")
}

// transition applies a state machine mutation, persists the result and
// publishes the status change to subscribers
func (o *Orchestrator) transition(ctx context.Context, projectID, detail string, fn func() (v1.Project, error)) (v1.Project, error) {
	before, err := o.machine.Get(projectID)
	if err != nil {
		return v1.Project{}, err
	}

	after, err := fn()
	if err != nil {
		return v1.Project{}, err
	}

	if err := o.store.UpdateProject(ctx, &after); err != nil {
		o.logger.Warn("Failed to persist project state",
			zap.String("project_id", projectID), zap.Error(err))
	}
	if after.Status != before.Status {
		o.relay.Publish(events.NewStatusChange(projectID,
			string(before.Status), string(after.Status), detail))
	}
	return after, nil
}

// startWatcher begins file watching for a project workspace
func (o *Orchestrator) startWatcher(projectID, workingDir string) {
	w, err := watcher.New(o.cfg.Watcher, projectID, workingDir, o.relay, o.logger)
	if err != nil {
		o.logger.Warn("Failed to create file watcher",
			zap.String("project_id", projectID), zap.Error(err))
		return
	}
	if err := w.Start(); err != nil {
		o.logger.Warn("Failed to start file watcher",
			zap.String("project_id", projectID), zap.Error(err))
		return
	}

	o.mu.Lock()
	o.watchers[projectID] = w
	o.mu.Unlock()
}
