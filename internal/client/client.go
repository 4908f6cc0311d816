// Package client is a Go participant for the coordination server. Calls are
// correlated with their replies through generated ack ids; notifications
// arrive on Events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"channelhub/internal/domain"
	"channelhub/internal/gateway"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds a call whose context has no deadline.
const DefaultTimeout = 10 * time.Second

// ErrClosed is returned by calls made on, or pending at, a closed client.
var ErrClosed = errors.New("client closed")

// RemoteError is an error frame returned by the server.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Config configures a Client.
type Config struct {
	URL          string // ws://host:port/ws
	Header       http.Header
	EventBuffer  int // default 256
	Timeout      time.Duration
	Logger       *slog.Logger
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client is one websocket connection to the server.
type Client struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration
	wtime   time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan gateway.Frame
	closed  bool

	events chan gateway.Frame
	done   chan struct{}
}

// Dial connects to the server and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		ws:      ws,
		logger:  cfg.Logger,
		timeout: cfg.Timeout,
		wtime:   cfg.WriteTimeout,
		pending: make(map[string]chan gateway.Frame),
		events:  make(chan gateway.Frame, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers every frame that is not a reply to a call. It is closed
// when the connection ends.
func (c *Client) Events() <-chan gateway.Frame {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends a frame and waits for its reply. The reply data is decoded into
// out when out is non-nil.
func (c *Client) Call(ctx context.Context, typ, channelID string, payload, out any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ack := uuid.NewString()
	reply := make(chan gateway.Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[ack] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ack)
		c.mu.Unlock()
	}()

	if err := c.send(typ, ack, channelID, payload); err != nil {
		return err
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return ErrClosed
		}
		if f.Type == gateway.TypeError {
			return &RemoteError{Type: typ, Message: f.Error}
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", typ, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", typ, ctx.Err())
	}
}

// Send fires a frame without waiting for a reply.
func (c *Client) Send(typ, channelID string, payload any) error {
	return c.send(typ, "", channelID, payload)
}

func (c *Client) send(typ, ack, channelID string, payload any) error {
	f := gateway.Frame{Type: typ, Ack: ack, ChannelID: channelID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", typ, err)
		}
		f.Data = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.wtime))
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var f gateway.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection read failed", "err", err)
			}
			return
		}

		if f.Ack != "" && (f.Type == gateway.TypeAck || f.Type == gateway.TypeError) {
			c.mu.Lock()
			ch, ok := c.pending[f.Ack]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
				continue
			}
		}

		select {
		case c.events <- f:
		default:
			c.logger.Warn("event buffer full, dropping frame", "type", f.Type, "channel", f.ChannelID)
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	for ack, ch := range c.pending {
		close(ch)
		delete(c.pending, ack)
	}
	c.mu.Unlock()
	close(c.events)
	close(c.done)
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

// Register announces the participant identity.
func (c *Client) Register(ctx context.Context, p gateway.RegisterPayload) (domain.Participant, error) {
	var out domain.Participant
	err := c.Call(ctx, gateway.TypeRegister, "", p, &out)
	return out, err
}

// Join subscribes to a channel and returns its members.
func (c *Client) Join(ctx context.Context, channelID string) ([]domain.Participant, error) {
	var out []domain.Participant
	err := c.Call(ctx, gateway.TypeJoinChannel, channelID, nil, &out)
	return out, err
}

// Leave unsubscribes from a channel.
func (c *Client) Leave(ctx context.Context, channelID string) error {
	return c.Call(ctx, gateway.TypeLeaveChannel, channelID, nil, nil)
}

// Say posts content to a channel and returns the enriched message.
func (c *Client) Say(ctx context.Context, channelID, content string) (domain.Message, error) {
	var out domain.Message
	err := c.Call(ctx, gateway.TypeMessage, channelID, gateway.MessagePayload{Content: content}, &out)
	return out, err
}

// ShareData stores content and returns its id.
func (c *Client) ShareData(ctx context.Context, channelID, content, typ string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.Call(ctx, gateway.TypeShareData, channelID, gateway.ShareDataPayload{Content: content, Type: typ}, &out)
	return out.ID, err
}

// GetData fetches shared content. A missing id yields a NotFoundError.
func (c *Client) GetData(ctx context.Context, id string) (gateway.DataResult, error) {
	var out gateway.DataResult
	if err := c.Call(ctx, gateway.TypeGetData, "", gateway.GetDataPayload{ID: id}, &out); err != nil {
		return out, err
	}
	if !out.Found {
		return out, &domain.NotFoundError{Kind: "data", ID: id}
	}
	return out, nil
}

// UpdateState publishes the caller's bot state.
func (c *Client) UpdateState(ctx context.Context, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return c.Call(ctx, gateway.TypeBotStateUpdated, "", gateway.BotStatePayload{State: raw}, nil)
}

// Bots lists the registered participants.
func (c *Client) Bots(ctx context.Context) ([]gateway.BotInfo, error) {
	var out []gateway.BotInfo
	err := c.Call(ctx, gateway.TypeListBots, "", nil, &out)
	return out, err
}
