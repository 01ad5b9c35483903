package event

import (
	"context"
	"fmt"
)

// HandlerFunc processes one decoded envelope. Returning an error that wraps
// ErrMalformed tells the transport to drop the message; any other error means
// a transient failure and the message is requeued.
type HandlerFunc func(ctx context.Context, env Envelope) error

// UnknownEventError indicates an event type with no registered handler.
type UnknownEventError struct {
	EventType string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("no handler registered for event type %q", e.EventType)
}

// Registry maps event type tags to their handlers. The mapping is built
// explicitly at wiring time; there is no runtime type discovery.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds an event type to its handler. Registering the same type
// twice panics; that is a wiring bug, not a runtime condition.
func (r *Registry) Register(eventType string, h HandlerFunc) {
	if _, dup := r.handlers[eventType]; dup {
		panic(fmt.Sprintf("event handler for %q registered twice", eventType))
	}
	r.handlers[eventType] = h
}

// Dispatch routes the envelope to its handler.
func (r *Registry) Dispatch(ctx context.Context, env Envelope) error {
	h, ok := r.handlers[env.EventType]
	if !ok {
		return &UnknownEventError{EventType: env.EventType}
	}
	return h(ctx, env)
}
