package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"channelhub/internal/bus"
	"channelhub/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// conn is one websocket client. Only writePump writes to ws; everything
// else queues frames on send.
type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter // nil when unlimited

	ident      atomic.Pointer[domain.Participant]
	registered atomic.Bool

	channels map[string]struct{} // guarded by hub.mu
}

func (s *Server) newConn(ws *websocket.Conn) *conn {
	c := &conn{
		id:       "conn_" + uuid.NewString(),
		ws:       ws,
		send:     make(chan []byte, s.cfg.SendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	if s.cfg.EventsPerSecond > 0 {
		burst := s.cfg.EventBurst
		if burst <= 0 {
			burst = int(s.cfg.EventsPerSecond)
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), max(burst, 1))
	}
	now := s.now()
	c.ident.Store(&domain.Participant{
		ID:           c.id,
		DisplayName:  c.id,
		Kind:         domain.KindHuman,
		JoinedAt:     now,
		LastActiveAt: now,
	})
	return c
}

func (c *conn) participant() domain.Participant {
	return *c.ident.Load()
}

// enqueue queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// kick closes the connection once and reports whether this call did it.
func (c *conn) kick() bool {
	closed := false
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		closed = true
	})
	return closed
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := s.newConn(ws)
	s.hub.add(c)
	s.metrics.ConnectionOpened()
	s.logger.Info("websocket client connected", "conn", c.id, "remote", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *conn) {
	defer s.disconnect(c)

	pongWait := 2 * s.cfg.PingInterval
	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "conn", c.id, "err", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.replyError(c, Frame{}, &domain.ValidationError{Field: "frame", Reason: "invalid JSON"})
			continue
		}
		s.metrics.EventIn(f.Type)

		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.RateLimited()
			s.logger.Debug("rate limited", "conn", c.id, "type", f.Type)
			s.replyError(c, f, errRateLimited)
			continue
		}
		s.handle(c, f)
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.kick()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("websocket write failed", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// disconnect leaves every channel the connection held, releases its
// registered identity and only then frees the socket.
func (s *Server) disconnect(c *conn) {
	p := c.participant()
	for _, channelID := range s.hub.remove(c) {
		s.registry.Leave(channelID, p.ID)
	}

	if c.registered.Load() {
		s.botsMu.Lock()
		entry, ok := s.bots[p.ID]
		owned := ok && entry.owner == c
		if owned {
			delete(s.bots, p.ID)
		}
		s.botsMu.Unlock()
		if owned {
			s.emitGlobal(bus.EventParticipantUnavailable, Availability{
				ParticipantID: p.ID,
				Name:          p.DisplayName,
				Type:          p.Kind,
				Timestamp:     s.now().UnixMilli(),
			})
		}
	}

	c.kick()
	s.metrics.ConnectionClosed()
	s.logger.Info("websocket client disconnected", "conn", c.id, "participant", p.ID)
}
