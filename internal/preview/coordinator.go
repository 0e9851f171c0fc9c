// Package preview manages one dev-server process per project: port
// allocation, spawning, health probing and runtime error forwarding.
package preview

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/common/config"
	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/process"
	"github.com/vibedev/vibedev/internal/relay"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
	"github.com/vibedev/vibedev/pkg/events"
)

// errorMarkers are substrings of dev-server output that indicate a runtime
// failure worth surfacing to the client
var errorMarkers = []string{
	"EADDRINUSE",
	"Failed to compile",
	"Module not found",
	"SyntaxError",
	"UnhandledPromiseRejection",
	"ERR!",
}

type instance struct {
	preview v1.Preview
	handle  *process.Handle
}

// Coordinator owns the preview instances for all projects
type Coordinator struct {
	cfg        config.PreviewConfig
	supervisor *process.Supervisor
	relay      *relay.Relay
	logger     *logger.Logger

	mu        sync.Mutex
	instances map[string]*instance // keyed by project ID
}

// NewCoordinator creates a preview coordinator
func NewCoordinator(cfg config.PreviewConfig, supervisor *process.Supervisor, r *relay.Relay, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		supervisor: supervisor,
		relay:      r,
		logger:     log.WithFields(zap.String("component", "preview-coordinator")),
		instances:  make(map[string]*instance),
	}
}

// allocatePort finds a free port in the configured range. Ports held by
// other live previews are skipped without probing.
func (c *Coordinator) allocatePort() (int, error) {
	held := make(map[int]bool)
	for _, inst := range c.instances {
		if inst.preview.State != v1.PreviewStateStopped {
			held[inst.preview.Port] = true
		}
	}

	for port := c.cfg.PortRangeStart; port <= c.cfg.PortRangeEnd; port++ {
		if held[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, apperrors.PortExhausted(c.cfg.PortRangeStart, c.cfg.PortRangeEnd)
}

// Start spawns the dev server for a project. Starting a project that
// already has a live preview returns the existing instance.
func (c *Coordinator) Start(ctx context.Context, projectID, workingDir string) (*v1.Preview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if inst, ok := c.instances[projectID]; ok && inst.handle.Alive() {
		copied := inst.preview
		return &copied, nil
	}

	port, err := c.allocatePort()
	if err != nil {
		return nil, err
	}

	handle, err := c.supervisor.Spawn(ctx, process.Spec{
		Command: c.cfg.Command,
		Args:    c.cfg.Args,
		Dir:     workingDir,
		Env:     map[string]string{"PORT": fmt.Sprintf("%d", port)},
	})
	if err != nil {
		return nil, err
	}

	inst := &instance{
		preview: v1.Preview{
			ProjectID: projectID,
			Port:      port,
			State:     v1.PreviewStateStarting,
			StartedAt: time.Now().UTC(),
		},
		handle: handle,
	}
	c.instances[projectID] = inst

	c.logger.Info("Preview started",
		zap.String("project_id", projectID),
		zap.Int("port", port),
		zap.Int("pid", handle.Pid()))

	go c.watch(inst)
	return &inst.preview, nil
}

// watch forwards runtime errors from the dev server's output and marks the
// instance crashed if the process exits on its own
func (c *Coordinator) watch(inst *instance) {
	projectID := inst.preview.ProjectID
	port := inst.preview.Port

	for line := range inst.handle.Output() {
		if !isRuntimeError(line) {
			continue
		}
		c.relay.Publish(events.NewPreviewError(projectID, line.Text, port))
		c.logger.Warn("Preview runtime error",
			zap.String("project_id", projectID),
			zap.String("line", line.Text))
	}

	<-inst.handle.Done()

	c.mu.Lock()
	stopped := inst.preview.State == v1.PreviewStateStopped
	if !stopped {
		inst.preview.State = v1.PreviewStateCrashed
	}
	c.mu.Unlock()

	if stopped {
		return
	}

	status := inst.handle.ExitStatus()
	c.relay.Publish(events.NewPreviewError(projectID,
		fmt.Sprintf("preview process exited with code %d", status.Code), port))
	c.logger.Warn("Preview crashed",
		zap.String("project_id", projectID),
		zap.Int("exit_code", status.Code))
}

func isRuntimeError(line process.Line) bool {
	for _, marker := range errorMarkers {
		if strings.Contains(line.Text, marker) {
			return true
		}
	}
	// stderr noise from dev servers is common; only stack-trace looking
	// lines are forwarded
	return line.Stderr && strings.HasPrefix(strings.TrimSpace(line.Text), "Error:")
}

// HealthCheck probes the preview's port and advances STARTING to READY on
// the first successful connection
func (c *Coordinator) HealthCheck(projectID string) (*v1.Preview, error) {
	c.mu.Lock()
	inst, ok := c.instances[projectID]
	if !ok {
		c.mu.Unlock()
		return nil, apperrors.NotFound("preview", projectID)
	}
	port := inst.preview.Port
	state := inst.preview.State
	c.mu.Unlock()

	if state == v1.PreviewStateStarting || state == v1.PreviewStateReady {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
		if err == nil {
			conn.Close()
			state = v1.PreviewStateReady
		} else if state == v1.PreviewStateReady {
			state = v1.PreviewStateStarting
		}

		c.mu.Lock()
		if inst.preview.State == v1.PreviewStateStarting || inst.preview.State == v1.PreviewStateReady {
			inst.preview.State = state
		}
		c.mu.Unlock()
	}

	return c.Get(projectID)
}

// Get returns the current preview state for a project
func (c *Coordinator) Get(projectID string) (*v1.Preview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[projectID]
	if !ok {
		return nil, apperrors.NotFound("preview", projectID)
	}
	copied := inst.preview
	return &copied, nil
}

// Stop terminates a project's preview process and releases its port
func (c *Coordinator) Stop(projectID string) error {
	c.mu.Lock()
	inst, ok := c.instances[projectID]
	if !ok {
		c.mu.Unlock()
		return apperrors.NotFound("preview", projectID)
	}
	inst.preview.State = v1.PreviewStateStopped
	c.mu.Unlock()

	if err := inst.handle.Stop(c.cfg.StopTimeout); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.instances, projectID)
	c.mu.Unlock()

	c.logger.Info("Preview stopped", zap.String("project_id", projectID))
	return nil
}

// StopAll terminates every live preview, used during shutdown
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	handles := make(map[string]*process.Handle, len(c.instances))
	for projectID, inst := range c.instances {
		inst.preview.State = v1.PreviewStateStopped
		handles[projectID] = inst.handle
	}
	c.instances = make(map[string]*instance)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for projectID, handle := range handles {
		wg.Add(1)
		go func(projectID string, handle *process.Handle) {
			defer wg.Done()
			if err := handle.Stop(c.cfg.StopTimeout); err != nil {
				c.logger.Warn("Failed to stop preview",
					zap.String("project_id", projectID), zap.Error(err))
			}
		}(projectID, handle)
	}
	wg.Wait()
}
