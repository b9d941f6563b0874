package engine

import (
	"context"
	"sync"

	"github.com/conveyorci/conveyor/internal/pipeline"
)

// Handler is one registered side effect: an asynchronous action invoked by
// name after a transition commits. It receives the transition context and
// the freshly-reloaded run.
type Handler func(ctx context.Context, tc pipeline.Context, run *pipeline.Run) error

// Registry maps stable side-effect names to handlers. Registration happens
// once at process start, before the engine serves any triggers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler under name, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
