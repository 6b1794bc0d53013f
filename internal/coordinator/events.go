package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"pulsemeter-gateway/internal/pulsemeter"
)

// Event types
const (
	EventDeviceJoined      = "device_joined"
	EventDeviceLeft        = "device_left"
	EventDeviceRenamed     = "device_renamed"
	EventDeviceAnnounce    = "device_announce"
	EventDeviceInterviewed = "device_interviewed"
	EventDeviceConfigured  = "device_configured"
	EventAttributeReport   = "attribute_report"
	EventReadingUpdate     = "reading_update"
	EventReadingDropped    = "reading_dropped"
	EventResetCounter      = "reset_counter"
	EventNetworkState      = "network_state"
	EventPermitJoin        = "permit_join"
)

// Event represents a coordinator event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ReadingUpdate is the payload of EventReadingUpdate. State is the full merged
// device state after the update; Reading holds only the keys this message changed.
type ReadingUpdate struct {
	IEEE     string              `json:"ieee"`
	Name     string              `json:"name"`
	Model    string              `json:"model,omitempty"`
	Category pulsemeter.Category `json:"category,omitempty"`
	Reading  pulsemeter.Reading  `json:"reading"`
	State    map[string]any      `json:"state"`
	LQI      uint8               `json:"linkquality,omitempty"`
	Time     time.Time           `json:"time"`
}

// ConfigureResult is the payload of EventDeviceConfigured.
type ConfigureResult struct {
	IEEE  string `json:"ieee"`
	Name  string `json:"name"`
	Model string `json:"model"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the configure procedure succeeded.
func (r ConfigureResult) OK() bool { return r.Error == "" }

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger.With("component", "events"),
	}
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eventType == "" {
		eb.allHandlers[id] = handler
	} else {
		if eb.handlers[eventType] == nil {
			eb.handlers[eventType] = make(map[uint64]EventHandler)
		}
		eb.handlers[eventType][id] = handler
	}
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		if eventType == "" {
			delete(eb.allHandlers, id)
		} else {
			delete(eb.handlers[eventType], id)
		}
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) dispatch(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
