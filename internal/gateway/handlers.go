package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"channelhub/internal/bus"
	"channelhub/internal/domain"
	"channelhub/internal/enrich"

	"github.com/google/uuid"
)

const handlerTimeout = 10 * time.Second

var errRateLimited = errors.New("rate limit exceeded")

// handlerFunc serves one inbound frame type. The returned value becomes the
// ack payload; an error becomes an error frame to the sender only.
type handlerFunc func(ctx context.Context, c *conn, f Frame) (any, error)

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		TypeRegister:        s.handleRegister,
		TypeJoinChannel:     s.handleJoin,
		TypeLeaveChannel:    s.handleLeave,
		TypeMessage:         s.handleMessage,
		TypeShareData:       s.handleShareData,
		TypeGetData:         s.handleGetData,
		TypeBotStateUpdated: s.handleBotState,
		TypeStartChannel:    s.handleStart,
		TypeStopChannel:     s.handleStop,
		TypeListBots:        s.handleListBots,
		TypePing:            s.handlePing,
	}
}

func (s *Server) handle(c *conn, f Frame) {
	h, ok := s.handlers[f.Type]
	if !ok {
		s.replyError(c, f, &domain.ValidationError{Field: "type", Reason: "unknown event type " + f.Type})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	result, err := h(ctx, c, f)
	if err != nil {
		if domain.IsPersistence(err) {
			s.logger.Error("event failed", "type", f.Type, "conn", c.id, "err", err)
		} else {
			s.logger.Debug("event rejected", "type", f.Type, "conn", c.id, "err", err)
		}
		s.replyError(c, f, err)
		return
	}
	if f.Ack != "" {
		s.reply(c, Frame{Type: TypeAck, Ack: f.Ack, ChannelID: f.ChannelID}, result)
	}
}

// reply sends a frame to c alone.
func (s *Server) reply(c *conn, f Frame, payload any) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("encode reply", "type", f.Type, "err", err)
			f = Frame{Type: TypeError, Ack: f.Ack, Error: "internal error"}
		} else {
			f.Data = data
		}
	}
	raw, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("encode frame", "type", f.Type, "err", err)
		return
	}
	if c.enqueue(raw) {
		s.metrics.EventOut(f.Type)
		return
	}
	if c.kick() {
		s.metrics.SlowConsumerDropped()
		s.logger.Warn("dropping slow consumer", "conn", c.id, "event", f.Type)
	}
}

func (s *Server) replyError(c *conn, in Frame, err error) {
	s.reply(c, Frame{Type: TypeError, Ack: in.Ack, ChannelID: in.ChannelID, Error: err.Error()}, nil)
}

func (s *Server) handleRegister(_ context.Context, c *conn, f Frame) (any, error) {
	var req RegisterPayload
	if err := decodeData(f, &req); err != nil {
		return nil, err
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		return nil, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if req.Type == "" {
		req.Type = domain.KindAgent
	}
	if !req.Type.Valid() {
		return nil, &domain.ValidationError{Field: "type", Reason: "must be one of: human, agent, system"}
	}
	prev := c.participant()
	if prev.ID != req.ID && s.hub.joined(c) > 0 {
		return nil, &domain.ValidationError{Field: "id", Reason: "cannot change identity while joined to channels"}
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	now := s.now()
	p := domain.Participant{
		ID:           req.ID,
		DisplayName:  req.Name,
		Kind:         req.Type,
		WindowHandle: req.WindowHandle,
		CommandSet:   req.CommandSet,
		JoinedAt:     now,
		LastActiveAt: now,
	}

	s.botsMu.Lock()
	if old, ok := s.bots[prev.ID]; ok && old.owner == c && prev.ID != p.ID {
		delete(s.bots, prev.ID)
	}
	entry, ok := s.bots[p.ID]
	if !ok {
		entry = &botEntry{}
		s.bots[p.ID] = entry
	}
	entry.participant = p
	entry.owner = c
	s.botsMu.Unlock()

	c.ident.Store(&p)
	c.registered.Store(true)
	s.logger.Info("participant registered", "conn", c.id, "participant", p.ID, "type", p.Kind)

	s.emitGlobal(bus.EventParticipantAvailable, Availability{
		ParticipantID: p.ID,
		Name:          p.DisplayName,
		Type:          p.Kind,
		Timestamp:     now.UnixMilli(),
	})
	return p, nil
}

func (s *Server) handleJoin(_ context.Context, c *conn, f Frame) (any, error) {
	if err := requireChannel(f); err != nil {
		return nil, err
	}
	s.hub.subscribe(f.ChannelID, c)
	participants := s.registry.Join(f.ChannelID, c.participant())

	if snap, ok := s.registry.Snapshot(f.ChannelID); ok {
		s.reply(c, Frame{Type: TypeChannelState, ChannelID: f.ChannelID}, snap)
	}
	return participants, nil
}

func (s *Server) handleLeave(_ context.Context, c *conn, f Frame) (any, error) {
	if err := requireChannel(f); err != nil {
		return nil, err
	}
	s.hub.unsubscribe(f.ChannelID, c)
	left := s.registry.Leave(f.ChannelID, c.participant().ID)
	return map[string]bool{"left": left}, nil
}

func (s *Server) handleMessage(_ context.Context, c *conn, f Frame) (any, error) {
	if err := requireChannel(f); err != nil {
		return nil, err
	}
	var req MessagePayload
	if err := decodeData(f, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, &domain.ValidationError{Field: "content", Reason: "required"}
	}

	sender := c.participant()
	msg := enrich.NewMessageAt(f.ChannelID, sender, req.Content, s.now())

	// Sending into a channel makes the sender a member, so it follows the group.
	s.hub.subscribe(f.ChannelID, c)
	s.registry.RecordMessage(msg, sender)

	if msg.Correlated() && s.persist != nil && s.messages != nil {
		if !s.persist.Publish(msg) {
			s.metrics.MessagePersistDropped()
		}
	}
	return msg, nil
}

func (s *Server) handleShareData(ctx context.Context, c *conn, f Frame) (any, error) {
	if s.data == nil {
		return nil, errors.New("data storage is not configured")
	}
	var req ShareDataPayload
	if err := decodeData(f, &req); err != nil {
		return nil, err
	}
	blob, err := decodeBlob(req)
	if err != nil {
		return nil, err
	}
	if len(blob.Content) > s.cfg.MaxBlobBytes {
		return nil, &domain.ValidationError{Field: "content", Reason: "exceeds the maximum blob size"}
	}

	blob.ID = uuid.NewString()
	blob.ChannelID = f.ChannelID
	blob.CreatedAt = s.now().UnixMilli()
	if err := s.data.PutData(ctx, blob); err != nil {
		return nil, domain.Persistence("put data", err)
	}
	s.logger.Debug("data shared", "id", blob.ID, "type", blob.Type, "bytes", len(blob.Content), "participant", c.participant().ID)
	return map[string]string{"id": blob.ID}, nil
}

func (s *Server) handleGetData(ctx context.Context, _ *conn, f Frame) (any, error) {
	if s.data == nil {
		return nil, errors.New("data storage is not configured")
	}
	var req GetDataPayload
	if err := decodeData(f, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	blob, err := s.data.GetData(ctx, req.ID)
	if domain.IsNotFound(err) {
		return DataResult{Found: false, ID: req.ID}, nil
	}
	if err != nil {
		return nil, domain.Persistence("get data", err)
	}
	return encodeBlob(*blob), nil
}

func (s *Server) handleBotState(_ context.Context, c *conn, f Frame) (any, error) {
	var req BotStatePayload
	if err := decodeData(f, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = c.participant().ID
	}
	if len(req.State) == 0 {
		return nil, &domain.ValidationError{Field: "state", Reason: "required"}
	}

	s.botsMu.Lock()
	entry, ok := s.bots[req.ID]
	if ok {
		entry.state = append([]byte(nil), req.State...)
	}
	s.botsMu.Unlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "participant", ID: req.ID}
	}

	req.Timestamp = s.now().UnixMilli()
	s.emitGlobal(bus.EventBotStateUpdated, req)
	return req, nil
}

func (s *Server) handleStart(_ context.Context, _ *conn, f Frame) (any, error) {
	if err := requireChannel(f); err != nil {
		return nil, err
	}
	s.registry.Start(f.ChannelID)
	return map[string]any{"channelId": f.ChannelID, "active": true}, nil
}

func (s *Server) handleStop(_ context.Context, _ *conn, f Frame) (any, error) {
	if err := requireChannel(f); err != nil {
		return nil, err
	}
	if !s.registry.Stop(f.ChannelID) {
		return nil, &domain.NotFoundError{Kind: "channel", ID: f.ChannelID}
	}
	return map[string]any{"channelId": f.ChannelID, "active": false}, nil
}

func (s *Server) handleListBots(context.Context, *conn, Frame) (any, error) {
	return s.Bots(), nil
}

func (s *Server) handlePing(_ context.Context, c *conn, f Frame) (any, error) {
	ts := map[string]int64{"timestamp": s.now().UnixMilli()}
	if f.Ack == "" {
		s.reply(c, Frame{Type: TypePong}, ts)
	}
	return ts, nil
}

// Bots lists the registered participants and their last known state.
func (s *Server) Bots() []BotInfo {
	s.botsMu.Lock()
	defer s.botsMu.Unlock()

	out := make([]BotInfo, 0, len(s.bots))
	for _, e := range s.bots {
		out = append(out, BotInfo{Participant: e.participant, State: json.RawMessage(e.state)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// decodeBlob turns a share_data payload into a blob. A base64 data URI is
// decoded to bytes with its mime type; anything else is kept as text.
func decodeBlob(req ShareDataPayload) (domain.DataBlob, error) {
	if req.Content == "" {
		return domain.DataBlob{}, &domain.ValidationError{Field: "content", Reason: "required"}
	}

	if rest, ok := strings.CutPrefix(req.Content, "data:"); ok {
		if mime, payload, ok := strings.Cut(rest, ";base64,"); ok {
			raw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return domain.DataBlob{}, &domain.ValidationError{Field: "content", Reason: "invalid base64 data URI"}
			}
			typ := req.Type
			if typ == "" {
				typ = "file"
				if strings.HasPrefix(mime, "image/") {
					typ = "image"
				}
			}
			if mime == "" {
				mime = "application/octet-stream"
			}
			return domain.DataBlob{Type: typ, MimeType: mime, Content: raw}, nil
		}
	}

	typ := req.Type
	if typ == "" {
		typ = "text"
	}
	return domain.DataBlob{Type: typ, MimeType: "text/plain", Content: []byte(req.Content)}, nil
}

// encodeBlob is the inverse of decodeBlob.
func encodeBlob(b domain.DataBlob) DataResult {
	res := DataResult{
		Found:     true,
		ID:        b.ID,
		ChannelID: b.ChannelID,
		Type:      b.Type,
		MimeType:  b.MimeType,
		CreatedAt: b.CreatedAt,
	}
	if b.MimeType == "" || b.MimeType == "text/plain" {
		res.Content = string(b.Content)
	} else {
		res.Content = "data:" + b.MimeType + ";base64," + base64.StdEncoding.EncodeToString(b.Content)
	}
	return res
}
