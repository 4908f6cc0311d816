// Package registry owns the process-wide set of live channels, their
// participants and their in-memory message history.
//
// Every mutation happens under one lock and emits its notification before the
// lock is released, so for a given channel the order of bus events equals the
// order of mutations. Bus handlers therefore must not call back into the
// Registry.
package registry

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"channelhub/internal/bus"
	"channelhub/internal/domain"
)

// Emitter receives registry notifications. *bus.EventBus implements it.
type Emitter interface {
	Emit(bus.Event)
}

// Config configures a Registry.
type Config struct {
	Bus    Emitter
	Logger *slog.Logger
	// MaxHistory caps the in-memory messages kept per channel. 0 means unbounded.
	MaxHistory int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry is the channel/participant state machine.
type Registry struct {
	mu         sync.Mutex
	channels   map[string]*channel
	bus        Emitter
	logger     *slog.Logger
	maxHistory int
	now        func() time.Time
}

type channel struct {
	id           string
	active       bool
	participants []domain.Participant
	messages     []domain.Message
	createdAt    time.Time
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		channels:   make(map[string]*channel),
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		maxHistory: cfg.MaxHistory,
		now:        cfg.Now,
	}
}

// Join adds p to the channel, creating the channel active if needed. An
// existing entry with the same id is replaced; its JoinedAt is kept.
// Returns the participant list after the join.
func (r *Registry) Join(channelID string, p domain.Participant) []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ch := r.getOrCreate(channelID, now)
	r.upsert(ch, p, now)
	return slices.Clone(ch.participants)
}

// Leave removes the participant from the channel. Leaving a channel that
// does not exist, or one the participant is not in, does nothing.
func (r *Registry) Leave(channelID, participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return false
	}

	var removed *domain.Participant
	kept := ch.participants[:0]
	for _, p := range ch.participants {
		if p.ID == participantID {
			removed = &p
			continue
		}
		kept = append(kept, p)
	}
	ch.participants = kept
	if removed == nil {
		return false
	}

	now := r.now()
	r.emit(bus.EventParticipantLeft, channelID, ParticipantLeft{
		ChannelID:     channelID,
		ParticipantID: removed.ID,
		Name:          removed.DisplayName,
		Timestamp:     now.UnixMilli(),
	}, now)
	return true
}

// Start activates the channel, creating it if needed, and clears its
// message history. Starting an active channel restarts it.
func (r *Registry) Start(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ch := r.getOrCreate(channelID, now)
	ch.active = true
	ch.messages = nil
	r.emit(bus.EventChannelStarted, channelID, ChannelLifecycle{ChannelID: channelID, Timestamp: now.UnixMilli()}, now)
}

// Stop deactivates the channel. Participants stay. Returns false when the
// channel does not exist.
func (r *Registry) Stop(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return false
	}
	now := r.now()
	ch.active = false
	r.emit(bus.EventChannelStopped, channelID, ChannelLifecycle{ChannelID: channelID, Timestamp: now.UnixMilli()}, now)
	return true
}

// RecordMessage appends msg to the channel history and broadcasts it.
// A message for a missing or stopped channel (re)activates the channel, and
// a sender that is not yet a member joins it.
func (r *Registry) RecordMessage(msg domain.Message, sender domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ch, ok := r.channels[msg.ChannelID]
	if !ok {
		ch = r.getOrCreate(msg.ChannelID, now)
		r.logger.Info("channel created by message", "channel", msg.ChannelID, "sender", sender.ID)
	} else if !ch.active {
		ch.active = true
		r.logger.Info("channel auto-activated by message", "channel", msg.ChannelID, "sender", sender.ID)
		r.emit(bus.EventChannelStarted, ch.id, ChannelLifecycle{ChannelID: ch.id, Timestamp: now.UnixMilli()}, now)
	}

	if idx := indexOf(ch.participants, sender.ID); idx >= 0 {
		ch.participants[idx].LastActiveAt = now
	} else {
		r.upsert(ch, sender, now)
	}

	ch.messages = append(ch.messages, msg)
	if r.maxHistory > 0 && len(ch.messages) > r.maxHistory {
		ch.messages = slices.Clone(ch.messages[len(ch.messages)-r.maxHistory:])
	}
	r.emit(bus.EventNewMessage, ch.id, msg, now)
}

// UpdateMessageStatus sets the status of a message still held in the
// channel history and broadcasts the change. Returns false when the
// channel or message is not in memory.
func (r *Registry) UpdateMessageStatus(channelID, messageID, status string) (domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return domain.Message{}, false
	}
	for i := range ch.messages {
		if ch.messages[i].ID != messageID {
			continue
		}
		ch.messages[i].Status = status
		msg := ch.messages[i]
		r.emit(bus.EventMessageUpdated, channelID, msg, r.now())
		return msg, true
	}
	return domain.Message{}, false
}

// Snapshot returns a copy of the channel state.
func (r *Registry) Snapshot(channelID string) (domain.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return domain.Channel{}, false
	}
	return domain.Channel{
		ID:           ch.id,
		Active:       ch.active,
		Participants: slices.Clone(ch.participants),
		Messages:     slices.Clone(ch.messages),
		CreatedAt:    ch.createdAt,
	}, true
}

// List returns a summary of every channel, sorted by id.
func (r *Registry) List() []domain.ChannelSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ChannelSummary, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, domain.ChannelSummary{
			ID:           ch.id,
			Active:       ch.active,
			Participants: len(ch.participants),
			Messages:     len(ch.messages),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChannelsOf returns the ids of every channel the participant belongs to.
func (r *Registry) ChannelsOf(participantID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, ch := range r.channels {
		if indexOf(ch.participants, participantID) >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) getOrCreate(channelID string, now time.Time) *channel {
	ch, ok := r.channels[channelID]
	if !ok {
		ch = &channel{id: channelID, active: true, createdAt: now}
		r.channels[channelID] = ch
		r.logger.Debug("channel created", "channel", channelID)
	}
	return ch
}

func (r *Registry) upsert(ch *channel, p domain.Participant, now time.Time) {
	p.CommandSet = slices.Clone(p.CommandSet)
	p.LastActiveAt = now
	if idx := indexOf(ch.participants, p.ID); idx >= 0 {
		p.JoinedAt = ch.participants[idx].JoinedAt
		ch.participants[idx] = p
	} else {
		p.JoinedAt = now
		ch.participants = append(ch.participants, p)
	}

	r.emit(bus.EventParticipantJoined, ch.id, ParticipantJoined{
		ChannelID:     ch.id,
		ParticipantID: p.ID,
		Name:          p.DisplayName,
		Type:          p.Kind,
		WindowHandle:  p.WindowHandle,
		CommandSet:    p.CommandSet,
		Timestamp:     now.UnixMilli(),
	}, now)
}

func (r *Registry) emit(eventType, channelID string, payload any, now time.Time) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(bus.Event{
		Type:      eventType,
		Topic:     channelID,
		Source:    "registry",
		Payload:   payload,
		Timestamp: now,
	})
}

func indexOf(ps []domain.Participant, id string) int {
	for i, p := range ps {
		if p.ID == id {
			return i
		}
	}
	return -1
}
