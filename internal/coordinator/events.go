package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventNodeRegistered   = "node_registered"
	EventNodeRejoined     = "node_rejoined"
	EventNodeStatus       = "node_status"
	EventNodeConnected    = "node_connected"
	EventNodeDisconnected = "node_disconnected"
	EventNodeEvicted      = "node_evicted"
	EventNodeError        = "node_error"
	EventAck              = "ack"
	EventSendFailed       = "send_failed"
	EventPairing          = "pairing"
	EventLightCommand     = "light_command"
	EventDeration         = "deration"
	EventTestPattern      = "test_pattern"
	EventReset            = "reset"
)

// Event is a fleet event published on the bus.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for fleet events. The coordinator loop emits;
// web, MQTT and automation layers subscribe.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]EventHandler // "" holds catch-all handlers
	nextID   uint64
	logger   *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string]map[uint64]EventHandler),
		logger:   logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.On("", handler)
}

// Emit calls matching handlers synchronously on the caller's goroutine.
// Handlers must not block; a panicking handler is recovered and logged.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers[""]))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	if event.Type != "" {
		for _, h := range eb.handlers[""] {
			handlers = append(handlers, h)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
