package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/weft/pkg/models"
)

// Listener receives agent events in emission order.
type Listener func(models.AgentEvent)

type registration struct {
	id int
	fn Listener
}

// Emitter dispatches agent events to subscribed listeners with monotonic
// sequencing. Dispatch iterates a snapshot of the listener list, so a
// listener added during emission does not receive the current event and
// listeners may unsubscribe themselves safely.
type Emitter struct {
	sessionID string
	sequence  uint64

	mu        sync.Mutex
	listeners []registration
	nextID    int
}

// NewEmitter creates an emitter for a session.
func NewEmitter(sessionID string) *Emitter {
	return &Emitter{sessionID: sessionID}
}

// SetSessionID retargets the emitter after a session switch. Listeners
// stay subscribed; subsequent events carry the new id.
func (e *Emitter) SetSessionID(sessionID string) {
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
}

// Subscribe registers a listener and returns an unsubscribe handle.
// Listeners are invoked in subscription order.
func (e *Emitter) Subscribe(fn Listener) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, registration{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		for i, reg := range e.listeners {
			if reg.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}
}

// Emit stamps the event and dispatches it to a snapshot of listeners.
// Emission is serialized so observers see a total order per session.
func (e *Emitter) Emit(event models.AgentEvent) {
	event.Sequence = atomic.AddUint64(&e.sequence, 1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	e.mu.Lock()
	event.SessionID = e.sessionID
	snapshot := make([]registration, len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, reg := range snapshot {
		reg.fn(event)
	}
}
