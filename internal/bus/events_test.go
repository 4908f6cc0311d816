package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got Event
	eb.On(EventNewMessage, func(e Event) {
		got = e
	})

	eb.Emit(Event{Type: EventNewMessage, Topic: "ops", Payload: map[string]any{"content": "hi"}})

	if got.Topic != "ops" {
		t.Errorf("expected topic ops, got %q", got.Topic)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventChannelStarted})
	eb.Emit(Event{Type: EventChannelStopped})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On(EventParticipantJoined, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventParticipantJoined})
	eb.Off(EventParticipantJoined, id)
	eb.Emit(Event{Type: EventParticipantJoined})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On("panic", func(e Event) {
		panic("test panic")
	})
	eb.On("panic", func(e Event) {
		atomic.AddInt32(&after, 1)
	})

	// Should not panic the caller
	eb.Emit(Event{Type: "panic"})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handlers after a panicking one should still run")
	}
}

func TestEventBus_OrderPreserved(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var seen []string
	eb.On("*", func(e Event) {
		seen = append(seen, e.Payload.(string))
	})

	for _, p := range []string{"a", "b", "c", "d"} {
		eb.Emit(Event{Type: EventNewMessage, Topic: "ops", Payload: p})
	}

	if len(seen) != 4 || seen[0] != "a" || seen[3] != "d" {
		t.Errorf("events delivered out of order: %v", seen)
	}
}

func TestEventBus_TimestampKept(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	ts := time.UnixMilli(1700000000000)
	var got time.Time
	eb.On("test", func(e Event) { got = e.Timestamp })
	eb.Emit(Event{Type: "test", Timestamp: ts})

	if !got.Equal(ts) {
		t.Errorf("explicit timestamp overwritten: %v", got)
	}
}
