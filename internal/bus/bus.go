package bus

import (
	"log/slog"
	"sync"
	"time"

	"channelhub/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a bounded Go-channel pipe carrying correlated messages from
// the connection handlers to the persistence worker, so fan-out never waits
// on the record store.
type InMemoryBus struct {
	pending chan domain.Message
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		pending: make(chan domain.Message, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish enqueues msg. When the pipe is full it waits up to 10 seconds
// instead of dropping, and reports whether the message was accepted.
func (b *InMemoryBus) Publish(msg domain.Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "message", msg.ID)
		return false
	}

	select {
	case b.pending <- msg:
		return true
	default:
		b.logger.Warn("persist bus full, waiting...", "channel", msg.ChannelID, "message", msg.ID)
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		select {
		case b.pending <- msg:
			b.logger.Info("message queued after wait", "message", msg.ID)
			return true
		case <-timer.C:
			b.logger.Error("message dropped: persist bus full",
				"channel", msg.ChannelID,
				"message", msg.ID,
				"wait", b.timeout,
			)
			return false
		}
	}
}

// Subscribe returns the receive side of the pipe. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.Message {
	return b.pending
}

// Len reports how many messages are waiting.
func (b *InMemoryBus) Len() int {
	return len(b.pending)
}

// Close stops accepting messages. Already queued messages stay readable.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.pending)
	}
}
