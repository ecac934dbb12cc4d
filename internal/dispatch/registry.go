package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/logger"
)

// HandlerFactory builds a Handler for one command from its metadata. The
// factory is invoked at enqueue time by callers that submit work by name
// (the HTTP API, idle tasks, triggers, periodic workers).
type HandlerFactory func(metadata map[string]string) Handler

// Registry maps operation names to handler factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
	logger    *logger.Logger
}

// NewRegistry creates an empty operation registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		factories: make(map[string]HandlerFactory),
		logger:    log.WithFields(zap.String("component", "operation-registry")),
	}
}

// Register adds a factory under the operation name. Registering the same
// name twice replaces the previous factory.
func (r *Registry) Register(name string, factory HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.logger.Debug("registered operation", zap.String("operation", name))
}

// Resolve returns the factory for an operation name.
// Returns ErrOperationNotRegistered for unknown names.
func (r *Registry) Resolve(name string) (HandlerFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotRegistered, name)
	}
	return factory, nil
}

// Has reports whether an operation name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns the registered operation names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
