package gateway

import (
	"context"
	"time"

	"channelhub/internal/bus"
	"channelhub/internal/domain"
)

const persistTimeout = 5 * time.Second

// RunPersister drains the persistence pipe until it is closed. Messages are
// handled one at a time in arrival order, so a request is always saved
// before the responses that point at it.
func (s *Server) RunPersister() {
	if s.persist == nil || s.messages == nil {
		return
	}
	for msg := range s.persist.Subscribe() {
		s.persistMessage(msg)
	}
}

func (s *Server) persistMessage(msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.messages.SaveMessage(ctx, msg); err != nil {
		s.metrics.MessagePersistFailed()
		s.logger.Warn("persist message failed", "message", msg.ID, "channel", msg.ChannelID, "err", err)
	} else {
		s.metrics.MessagePersisted()
	}

	if msg.ParentRequestID != "" && msg.Status != "" {
		s.propagateStatus(ctx, msg)
	}
}

// propagateStatus copies a response's status onto the request it answers.
func (s *Server) propagateStatus(ctx context.Context, resp domain.Message) {
	parent, err := s.messages.FindByRequestID(ctx, resp.ParentRequestID)
	if domain.IsNotFound(err) {
		s.logger.Debug("no request for response", "parentRequestId", resp.ParentRequestID, "message", resp.ID)
		return
	}
	if err != nil {
		s.logger.Warn("lookup request failed", "parentRequestId", resp.ParentRequestID, "err", err)
		return
	}

	parent.Status = resp.Status
	if err := s.messages.SaveMessage(ctx, *parent); err != nil {
		s.metrics.MessagePersistFailed()
		s.logger.Warn("persist request status failed", "message", parent.ID, "status", parent.Status, "err", err)
		return
	}
	s.logger.Debug("request status updated", "message", parent.ID, "requestId", parent.RequestID, "status", parent.Status)

	if _, ok := s.registry.UpdateMessageStatus(parent.ChannelID, parent.ID, parent.Status); !ok {
		// The request left memory (restart or history trim); tell the channel anyway.
		s.events.Emit(bus.Event{
			Type:      bus.EventMessageUpdated,
			Topic:     parent.ChannelID,
			Source:    "persister",
			Payload:   *parent,
			Timestamp: s.now(),
		})
	}
}
