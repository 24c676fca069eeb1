// Package hooks dispatches presence and routing lifecycle events to
// in-process subscribers such as the Kafka event sink.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/soyeahso/livechat/internal/logging"
)

// Lifecycle events.
const (
	EventGatewayStart        = "gateway_start"
	EventGatewayStop         = "gateway_stop"
	EventVisitorConnected    = "visitor_connected"
	EventVisitorDisconnected = "visitor_disconnected"
	EventAgentOnline         = "agent_online"
	EventAgentOffline        = "agent_offline"
	EventAgentJoinedRoom     = "agent_joined_room"
	EventAgentLeftRoom       = "agent_left_room"
	EventChatTransferred     = "chat_transferred"
	EventInvitationAccepted  = "chat_invitation_accepted"
	EventMessageSent         = "message_sent"
	EventRoomClosed          = "room_closed"
	EventDepartmentStatus    = "department_status_changed"
)

// AllEvents lists every lifecycle event.
var AllEvents = []string{
	EventGatewayStart,
	EventGatewayStop,
	EventVisitorConnected,
	EventVisitorDisconnected,
	EventAgentOnline,
	EventAgentOffline,
	EventAgentJoinedRoom,
	EventAgentLeftRoom,
	EventChatTransferred,
	EventInvitationAccepted,
	EventMessageSent,
	EventRoomClosed,
	EventDepartmentStatus,
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event       string         `json:"event"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Handler handles a hook event. A returned error is logged and does not
// stop the remaining handlers.
type Handler func(ctx context.Context, p Payload) error

// Manager keeps hook registrations and dispatches events.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	inflight sync.WaitGroup
	log      *logging.Logger
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

// On registers a handler for event under name.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// OnAll registers handler for every lifecycle event.
func (m *Manager) OnAll(name string, handler Handler) {
	for _, event := range AllEvents {
		m.On(event, name, handler)
	}
}

// Off removes every handler registered under name for event.
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

func (m *Manager) snapshot(event string) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handlers := make([]namedHandler, len(m.handlers[event]))
	copy(handlers, m.handlers[event])
	return handlers
}

func (m *Manager) run(ctx context.Context, h namedHandler, p Payload) {
	if err := h.handler(ctx, p); err != nil {
		m.log.Warn().
			Err(err).
			Str("event", p.Event).
			Str("handler", h.name).
			Msg("hook handler error")
	}
}

// Emit runs the handlers of event in registration order.
func (m *Manager) Emit(ctx context.Context, event, workspaceID string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}
	p := Payload{Event: event, WorkspaceID: workspaceID, Timestamp: time.Now(), Data: data}
	for _, h := range handlers {
		m.run(ctx, h, p)
	}
}

// EmitAsync runs the handlers of event concurrently and returns at once.
// The handlers get a context detached from ctx's cancellation.
func (m *Manager) EmitAsync(ctx context.Context, event, workspaceID string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}
	p := Payload{Event: event, WorkspaceID: workspaceID, Timestamp: time.Now(), Data: data}
	detached := context.WithoutCancel(ctx)
	for _, h := range handlers {
		m.inflight.Add(1)
		go func(h namedHandler) {
			defer m.inflight.Done()
			m.run(detached, h, p)
		}(h)
	}
}

// Wait blocks until every handler started by EmitAsync has returned.
func (m *Manager) Wait() { m.inflight.Wait() }

// Count returns the number of handlers registered for event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the events that have at least one handler.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	return events
}
