package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a notification produced by the registry or the gateway.
// Topic is the channel id the event belongs to; an empty Topic addresses
// every connection.
type Event struct {
	Type      string    // one of the Event* constants
	Topic     string    // channel id, or "" for global events
	Source    string    // originating component
	Payload   any       // JSON-serialisable body
	Timestamp time.Time // when the event was created
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a synchronous topic publish/subscribe hub. Handlers run on the
// emitter's goroutine in registration order, so per-emitter ordering is kept.
// Handlers must not block and must not call back into the emitter.
type EventBus struct {
	handlers map[string][]namedHandler
	mu       sync.RWMutex
	logger   *slog.Logger
	seq      int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an empty EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := eventType + "-" + strconv.Itoa(eb.seq)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to the handlers registered for its type and to
// wildcard handlers. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// --- Well-known event types. The values double as websocket frame types. ---
const (
	EventParticipantAvailable   = "participant_available"
	EventParticipantUnavailable = "participant_unavailable"
	EventParticipantJoined      = "participant_joined"
	EventParticipantLeft        = "participant_left"
	EventChannelStarted         = "channel_started"
	EventChannelStopped         = "channel_stopped"
	EventNewMessage             = "new_message"
	EventMessageUpdated         = "message_updated"
	EventBotStateUpdated        = "bot_state_updated"
)
