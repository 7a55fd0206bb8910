// Package hooks dispatches chatline lifecycle events to registered handlers.
package hooks

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/soyeahso/chatline/internal/logging"
)

// Event names.
const (
	EventStreamStart          = "stream_start"
	EventStreamDone           = "stream_done"
	EventStreamError          = "stream_error"
	EventConversationArchived = "conversation_archived"
	EventGatewayStart         = "gateway_start"
	EventGatewayStop          = "gateway_stop"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventStreamStart,
	EventStreamDone,
	EventStreamError,
	EventConversationArchived,
	EventGatewayStart,
	EventGatewayStop,
}

// KnownEvent reports whether name is one of AllEvents.
func KnownEvent(name string) bool {
	for _, e := range AllEvents {
		if e == name {
			return true
		}
	}
	return false
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler handles a hook event. A returned error is logged and does not
// stop other handlers.
type Handler func(ctx context.Context, p Payload) error

// Manager holds handler registrations. A nil *Manager is valid and drops
// every event.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
	wg       sync.WaitGroup
}

type namedHandler struct {
	name    string
	handler Handler
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for the given event.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes all handlers with the given name from the event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handlers := m.handlers[event]
	filtered := make([]namedHandler, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	m.handlers[event] = filtered
}

// Reset drops every handler whose name has the given prefix. Used when
// config-defined hooks are reloaded.
func (m *Manager) Reset(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for event, handlers := range m.handlers {
		var kept []namedHandler
		for _, h := range handlers {
			if !strings.HasPrefix(h.name, prefix) {
				kept = append(kept, h)
			}
		}
		m.handlers[event] = kept
	}
}

func (m *Manager) snapshot(event string) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handlers := make([]namedHandler, len(m.handlers[event]))
	copy(handlers, m.handlers[event])
	return handlers
}

// Emit dispatches an event to all handlers synchronously, in registration
// order.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	if m == nil {
		return
	}
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}

	payload := Payload{Event: event, Data: data}
	for _, h := range handlers {
		if err := h.handler(ctx, payload); err != nil {
			m.log.Warn().
				Err(err).
				Str("event", event).
				Str("handler", h.name).
				Msg("hook handler error")
		}
	}
}

// EmitAsync dispatches an event to all handlers concurrently and returns
// immediately. The handlers run detached from ctx cancellation.
func (m *Manager) EmitAsync(ctx context.Context, event string, data map[string]any) {
	if m == nil {
		return
	}
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	payload := Payload{Event: event, Data: data}
	for _, h := range handlers {
		m.wg.Add(1)
		go func(h namedHandler) {
			defer m.wg.Done()
			if err := h.handler(ctx, payload); err != nil {
				m.log.Warn().
					Err(err).
					Str("event", event).
					Str("handler", h.name).
					Msg("async hook handler error")
			}
		}(h)
	}
}

// Wait blocks until every handler started by EmitAsync has returned.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the sorted events that have at least one handler.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	sort.Strings(events)
	return events
}
