package realtime

import (
	"log/slog"
	"sync"

	"github.com/milksync/milksync/pkg/events"
)

// Handler consumes one delivered envelope.
type Handler func(events.Envelope)

type registration struct {
	id int
	fn Handler
}

// Mux fans incoming envelopes out to registered listeners. Listeners for the
// same event type run in registration order, and a panicking listener is
// isolated: it is recovered and logged, and every later listener still sees
// the same envelope. UI hooks outnumber transport instances, so one broken
// subscriber must never blind the rest of the application.
type Mux struct {
	mu       sync.RWMutex
	handlers map[events.Type][]registration
	nextID   int
	logger   *slog.Logger
}

func NewMux(logger *slog.Logger) *Mux {
	return &Mux{
		handlers: make(map[events.Type][]registration),
		logger:   logger.With(slog.String("component", "listener_mux")),
	}
}

// On registers a listener for an event type and returns its unsubscribe
// function. Multiple listeners per type are permitted.
func (m *Mux) On(t events.Type, fn Handler) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.handlers[t] = append(m.handlers[t], registration{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		regs := m.handlers[t]
		for i, reg := range regs {
			if reg.id == id {
				m.handlers[t] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
	}
}

// Dispatch delivers an envelope to every listener registered for its type.
func (m *Mux) Dispatch(env events.Envelope) {
	m.mu.RLock()
	regs := make([]registration, len(m.handlers[env.Type]))
	copy(regs, m.handlers[env.Type])
	m.mu.RUnlock()

	for _, reg := range regs {
		m.invoke(reg.fn, env)
	}
}

func (m *Mux) invoke(fn Handler, env events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Listener panicked",
				slog.String("event", string(env.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	fn(env)
}

// Clear drops every registration. Called on disconnect: consumers that still
// hold a hook into a disconnected client must re-register after reconnecting.
func (m *Mux) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[events.Type][]registration)
}

// ListenerCount reports the number of listeners for an event type.
func (m *Mux) ListenerCount(t events.Type) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[t])
}
