package process

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/common/logger"
)

// The process registry tracks every live supervised process so orphaned
// children can be reaped when the orchestrator shuts down. It has an explicit
// init/drain lifecycle and a single lock.
var registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	log     *logger.Logger
}

// InitRegistry initializes the process-wide registry. Must be called once at
// startup before any process is spawned.
func InitRegistry(log *logger.Logger) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.handles = make(map[string]*Handle)
	registry.log = log.WithFields(zap.String("component", "process-registry"))
}

func register(h *Handle) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.handles == nil {
		registry.handles = make(map[string]*Handle)
	}
	registry.handles[h.ID] = h
}

func deregister(id string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.handles, id)
}

// LiveCount returns the number of currently tracked processes
func LiveCount() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.handles)
}

// DrainRegistry stops every tracked process, interrupting first and killing
// whatever is still alive after the grace period. Called on shutdown.
func DrainRegistry(grace time.Duration) {
	registry.mu.Lock()
	handles := make([]*Handle, 0, len(registry.handles))
	for _, h := range registry.handles {
		handles = append(handles, h)
	}
	registry.mu.Unlock()

	if len(handles) == 0 {
		return
	}

	if registry.log != nil {
		registry.log.Info("draining process registry", zap.Int("processes", len(handles)))
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = h.Stop(grace)
		}(h)
	}
	wg.Wait()
}
