// Package process supervises long-running child processes (agent CLIs and
// preview servers): spawn, output streaming, signalling and teardown.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/common/config"
	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	"github.com/vibedev/vibedev/internal/common/logger"
)

const maxLineSize = 1024 * 1024 // 1MB, agent output lines can carry full file contents

// Signal is the kind of signal delivered to a supervised process
type Signal int

const (
	// SignalInterrupt requests a graceful shutdown
	SignalInterrupt Signal = iota
	// SignalKill forcefully terminates the process
	SignalKill
)

// Spec describes a process to spawn
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Line is a single line of process output
type Line struct {
	Text   string
	Stderr bool
}

// ExitStatus describes how a process ended
type ExitStatus struct {
	Code    int
	Crashed bool // non-zero exit or abnormal termination
	Err     error
}

// Handle owns exactly one spawned process. A new spawn yields a new handle
// and a new output stream; streams are never restarted.
type Handle struct {
	ID        string
	Spec      Spec
	StartedAt time.Time

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan Line
	done  chan struct{}

	mu   sync.Mutex
	exit ExitStatus

	logger *logger.Logger
}

// Supervisor spawns and tracks child processes
type Supervisor struct {
	cfg    config.SupervisorConfig
	logger *logger.Logger
}

// NewSupervisor creates a new process supervisor
func NewSupervisor(cfg config.SupervisorConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "process-supervisor")),
	}
}

// GracePeriod returns the configured graceful-stop window
func (s *Supervisor) GracePeriod() time.Duration {
	if s.cfg.StopGracePeriod <= 0 {
		return 5 * time.Second
	}
	return s.cfg.StopGracePeriod
}

// Spawn starts a child process and begins streaming its output.
// It fails with a SpawnError if the executable is missing or the working
// directory is invalid. The context covers the spawn attempt only; the
// process outlives it and is torn down through Signal/Stop.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.SpawnError(spec.Command, err)
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil || !info.IsDir() {
			return nil, apperrors.SpawnError(spec.Command, fmt.Errorf("invalid working directory %q", spec.Dir))
		}
	}

	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, apperrors.SpawnError(spec.Command, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Own process group, so signals reach the children of shell-wrapped
	// commands (sh -c, npm run dev) and not just the shell itself
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Orphaned grandchildren can hold the output pipes open past the
	// child's exit; bound how long Wait stays blocked on them
	cmd.WaitDelay = s.GracePeriod()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.SpawnError(spec.Command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.SpawnError(spec.Command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.SpawnError(spec.Command, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.SpawnError(spec.Command, err)
	}

	h := &Handle{
		ID:        uuid.New().String(),
		Spec:      spec,
		StartedAt: time.Now(),
		cmd:       cmd,
		stdin:     stdin,
		lines:     make(chan Line, 64),
		done:      make(chan struct{}),
		logger: s.logger.WithFields(
			zap.String("command", spec.Command),
			zap.Int("pid", cmd.Process.Pid)),
	}

	register(h)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readOutput(stdout, false, &readers)
	go h.readOutput(stderr, true, &readers)

	go func() {
		// Wait drives pipe teardown: after the child exits it gives the
		// readers up to WaitDelay to drain, then closes the pipes so the
		// scanners unblock even when orphans still hold the write ends
		err := cmd.Wait()
		readers.Wait()

		status := ExitStatus{}
		if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
			if exitErr, ok := err.(*exec.ExitError); ok {
				status.Code = exitErr.ExitCode()
			} else {
				status.Code = -1
			}
			status.Crashed = true
			status.Err = err
		}

		h.mu.Lock()
		h.exit = status
		h.mu.Unlock()

		close(h.lines)
		close(h.done)
		deregister(h.ID)

		h.logger.Debug("process exited",
			zap.Int("exit_code", status.Code),
			zap.Bool("crashed", status.Crashed))
	}()

	h.logger.Info("spawned process", zap.Strings("args", spec.Args), zap.String("dir", spec.Dir))
	return h, nil
}

// readOutput scans one output stream into the shared line channel
func (h *Handle) readOutput(r io.Reader, isStderr bool, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		h.lines <- Line{Text: scanner.Text(), Stderr: isStderr}
	}

	if err := scanner.Err(); err != nil {
		h.logger.Debug("output stream closed", zap.Bool("stderr", isStderr), zap.Error(err))
	}
}

// Output returns the process output stream. The channel is closed when the
// process exits; it is never restarted.
func (h *Handle) Output() <-chan Line {
	return h.lines
}

// Done returns a channel closed when the process has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stdin returns the process standard input
func (h *Handle) Stdin() io.WriteCloser {
	return h.stdin
}

// Pid returns the operating system process ID
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Alive reports whether the process is still running
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Signal delivers a signal to the process and every child in its group
func (h *Handle) Signal(sig Signal) error {
	if !h.Alive() {
		return nil
	}

	sysSig := syscall.SIGINT
	if sig == SignalKill {
		sysSig = syscall.SIGKILL
	}

	// Negative pid targets the process group created at spawn
	if err := syscall.Kill(-h.cmd.Process.Pid, sysSig); err == nil {
		return nil
	}
	if sig == SignalKill {
		return h.cmd.Process.Kill()
	}
	return h.cmd.Process.Signal(os.Interrupt)
}

// Wait blocks until the process exits or the context is cancelled
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// ExitStatus returns the recorded exit status. Only meaningful after the
// process has exited.
func (h *Handle) ExitStatus() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Stop interrupts the process and escalates to a forceful kill if it is
// still alive after the grace period
func (h *Handle) Stop(grace time.Duration) error {
	if !h.Alive() {
		return nil
	}

	if err := h.Signal(SignalInterrupt); err != nil {
		return h.Signal(SignalKill)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		h.logger.Warn("graceful stop timed out, killing process")
		return h.Signal(SignalKill)
	}
}
