package gateway

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"channelhub/internal/bus"
	"channelhub/internal/metrics"
)

// hub tracks open connections and the channel groups they subscribe to.
//
// dispatch runs while the registry lock is held, so nothing may call the
// registry or emit events while holding hub.mu.
type hub struct {
	mu      sync.RWMutex
	conns   map[*conn]struct{}
	groups  map[string]map[*conn]struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newHub(m *metrics.Metrics, logger *slog.Logger) *hub {
	return &hub{
		conns:   make(map[*conn]struct{}),
		groups:  make(map[string]map[*conn]struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// remove drops c from the hub and from every group, returning the channels
// whose membership c held alone for its participant id. Channels where
// another connection shares the id are left to that connection.
func (h *hub) remove(c *conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c)
	pid := c.participant().ID
	var orphaned []string
	for channelID := range c.channels {
		group := h.groups[channelID]
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, channelID)
		}
		shared := false
		for other := range group {
			if other.participant().ID == pid {
				shared = true
				break
			}
		}
		if !shared {
			orphaned = append(orphaned, channelID)
		}
	}
	c.channels = nil
	sort.Strings(orphaned)
	return orphaned
}

func (h *hub) subscribe(channelID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, open := h.conns[c]; !open {
		return
	}
	group, ok := h.groups[channelID]
	if !ok {
		group = make(map[*conn]struct{})
		h.groups[channelID] = group
	}
	group[c] = struct{}{}
	c.channels[channelID] = struct{}{}
}

func (h *hub) unsubscribe(channelID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if group, ok := h.groups[channelID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, channelID)
		}
	}
	delete(c.channels, channelID)
}

func (h *hub) joined(c *conn) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(c.channels)
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// dispatch is the EventBus wildcard handler. Events with a topic go to that
// channel's group; events without one go to every connection.
func (h *hub) dispatch(ev bus.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		h.logger.Error("encode event payload", "event", ev.Type, "err", err)
		return
	}
	frame, err := json.Marshal(Frame{Type: ev.Type, ChannelID: ev.Topic, Data: data})
	if err != nil {
		h.logger.Error("encode event frame", "event", ev.Type, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.conns
	if ev.Topic != "" {
		targets = h.groups[ev.Topic]
	}
	for c := range targets {
		if c.enqueue(frame) {
			h.metrics.EventOut(ev.Type)
			continue
		}
		if c.kick() {
			h.metrics.SlowConsumerDropped()
			h.logger.Warn("dropping slow consumer", "conn", c.id, "participant", c.participant().ID, "event", ev.Type)
		}
	}
}

// closeAll closes every connection. Their read loops run the usual cleanup.
func (h *hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		c.kick()
	}
}
