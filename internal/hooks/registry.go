package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/weft/internal/observability"
)

// Registration is one registered handler.
type Registration struct {
	ID       string
	EventKey EventType
	Handler  Handler
	Name     string
}

// Registry manages hook registrations and synchronous dispatch.
//
// Dispatch iterates a snapshot of the handler list, so a handler may add or
// remove registrations without invalidating the in-progress dispatch; a
// handler added during emission does not receive the current event.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventType][]*Registration
	byID     map[string]*Registration
	log      *observability.Logger
}

// NewRegistry creates an empty hook registry.
func NewRegistry(log *observability.Logger) *Registry {
	return &Registry{
		handlers: make(map[EventType][]*Registration),
		byID:     make(map[string]*Registration),
		log:      log.Or(),
	}
}

// Register adds a handler for an event type and returns its registration id.
func (r *Registry) Register(eventKey EventType, handler Handler, name string) string {
	reg := &Registration{
		ID:       uuid.NewString(),
		EventKey: eventKey,
		Handler:  handler,
		Name:     name,
	}
	r.mu.Lock()
	r.handlers[eventKey] = append(r.handlers[eventKey], reg)
	r.byID[reg.ID] = reg
	r.mu.Unlock()
	return reg.ID
}

// Unregister removes a handler by registration id.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	handlers := r.handlers[reg.EventKey]
	for i, h := range handlers {
		if h.ID == id {
			r.handlers[reg.EventKey] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Emit dispatches an event to every handler in registration order,
// awaiting each. The first handler error stops dispatch and is returned.
// The event pointer is shared so handlers can mutate it (cancel a
// before-event, transform the message array).
func (r *Registry) Emit(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.RLock()
	snapshot := make([]*Registration, len(r.handlers[event.Type]))
	copy(snapshot, r.handlers[event.Type])
	r.mu.RUnlock()

	for _, reg := range snapshot {
		if err := reg.Handler(ctx, event); err != nil {
			r.log.Warn(ctx, "hook handler failed",
				"event", string(event.Type), "handler", reg.Name, "error", err.Error())
			return err
		}
		if event.Cancel {
			return nil
		}
	}
	return nil
}

// HasHandlers reports whether any handler is registered for the event type.
func (r *Registry) HasHandlers(eventKey EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventKey]) > 0
}
