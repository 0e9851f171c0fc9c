package backend

import (
	"fmt"
	"sync"

	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/process"
)

// Registry holds the available agent backends keyed by kind
type Registry struct {
	backends map[Kind]Backend
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewRegistry creates an empty backend registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		backends: make(map[Kind]Backend),
		logger:   log,
	}
}

// LoadDefaults registers the built-in backends
func (r *Registry) LoadDefaults(supervisor *process.Supervisor) {
	r.Register(NewClaudeBackend(supervisor, r.logger))
	r.Register(NewCursorBackend(supervisor, r.logger))
}

// Register adds a backend to the registry
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Kind()] = b
}

// Get returns the backend for a kind
func (r *Registry) Get(kind Kind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
	return b, nil
}

// List returns all registered backends
func (r *Registry) List() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		result = append(result, b)
	}
	return result
}
