// Package commands holds the open command catalog a client serves. Command
// names and payload schemas are an extension point: plugins register handlers
// here and the set of registered names becomes the client's capability
// manifest.
package commands

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/AuraHome/aura/internal/fault"
)

// Handler serves one unary command.
type Handler struct {
	Name        string
	Description string
	// Idempotent commands may be retried by a caller's retry policy.
	// Non-idempotent ones are never silently retried.
	Idempotent bool
	Execute    func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// StreamFunc serves one streaming command, emitting frames through send
// until it returns or ctx is cancelled.
type StreamFunc func(ctx context.Context, payload json.RawMessage, send func(frame []byte) error) error

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	streams  map[string]StreamFunc
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		streams:  make(map[string]StreamFunc),
	}
}

// Register adds or replaces a unary handler.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name] = h
}

// RegisterStream adds or replaces a streaming handler.
func (r *Registry) RegisterStream(name string, fn StreamFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[name] = fn
}

// Get returns the handler for a command name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return Handler{}, &fault.InvalidInputError{Field: "command", Reason: "no handler registered for " + name}
	}
	return h, nil
}

// GetStream returns the streaming handler for a command name.
func (r *Registry) GetStream(name string) (StreamFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.streams[name]
	if !ok {
		return nil, &fault.InvalidInputError{Field: "command", Reason: "no stream handler registered for " + name}
	}
	return fn, nil
}

// Capabilities returns every registered command name, sorted, for the
// announce message.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers)+len(r.streams))
	for name := range r.handlers {
		names = append(names, name)
	}
	for name := range r.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
