// ABOUTME: Method registry mapping dot-namespaced RPC method names to handlers
// ABOUTME: Looked up by the socket server dispatcher on every request

package rpc

import (
	"context"
	"sync"
)

// Handler processes one RPC request. A returned error is reported to the
// caller as a business-logic failure (CodeHandlerError); protocol errors are
// produced by the dispatcher itself.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Registry maps method names (e.g. "job.run") to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for the given method name, replacing any existing one.
func (r *Registry) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Lookup returns the handler for a method, or false if none is registered.
func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the names of all registered methods.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
