// Package gateway is the real-time coordination server. It holds the
// websocket connections, turns inbound frames into registry, enrichment,
// storage and queue calls, and fans registry notifications out to every
// connection subscribed to the channel they concern. It also serves the
// HTTP API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"channelhub/internal/bus"
	"channelhub/internal/domain"
	"channelhub/internal/metrics"
	"channelhub/internal/queue"
	"channelhub/internal/registry"

	"github.com/gorilla/websocket"
)

// Config configures a Server. Registry and Events are required; the other
// collaborators switch off the features that need them when nil.
type Config struct {
	Host   string
	Port   int
	WSPath string // default: /ws
	// AllowedOrigins lists browser origins allowed to open a socket.
	// Empty means same host only; "*" allows any origin.
	AllowedOrigins  []string
	MaxMessageBytes int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	EventsPerSecond float64 // 0 disables rate limiting
	EventBurst      int
	MaxBlobBytes    int
	MetricsPath     string

	Registry *registry.Registry
	Events   *bus.EventBus
	Persist  *bus.InMemoryBus
	Queue    *queue.Service
	Messages domain.MessageStore
	Data     domain.DataStore
	Orders   domain.OrderStore
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the coordination server.
type Server struct {
	cfg      Config
	registry *registry.Registry
	events   *bus.EventBus
	persist  *bus.InMemoryBus
	queue    *queue.Service
	messages domain.MessageStore
	data     domain.DataStore
	orders   domain.OrderStore
	metrics  *metrics.Metrics
	logger   *slog.Logger

	hub      *hub
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
	server   *http.Server
	now      func() time.Time

	botsMu sync.Mutex
	bots   map[string]*botEntry
}

// botEntry is the last known identity and state of a registered participant.
type botEntry struct {
	participant domain.Participant
	state       []byte
	owner       *conn
}

// New creates a Server and subscribes its fan-out to cfg.Events.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil || cfg.Events == nil {
		return nil, errors.New("gateway: registry and event bus are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8420
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = 8 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:      cfg,
		registry: cfg.Registry,
		events:   cfg.Events,
		persist:  cfg.Persist,
		queue:    cfg.Queue,
		messages: cfg.Messages,
		data:     cfg.Data,
		orders:   cfg.Orders,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		hub:      newHub(cfg.Metrics, cfg.Logger),
		now:      time.Now,
		bots:     make(map[string]*botEntry),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.handlers = s.routes()
	s.events.On("*", s.hub.dispatch)
	return s, nil
}

// originChecker returns nil for an empty list so gorilla applies its
// same-host check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Handler returns the HTTP handler serving the websocket endpoint and the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.WSPath, s.handleUpgrade)
	s.registerAPI(mux)
	return mux
}

// Start serves until ctx is cancelled, then closes every connection, drains
// the persistence pipe and returns.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		s.RunPersister()
	}()

	s.logger.Info("coordination server starting", "addr", addr, "ws_path", s.cfg.WSPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(shutdownCtx)
	case err = <-errCh:
		s.hub.closeAll()
	}

	if s.persist != nil {
		s.persist.Close()
	}
	<-persisted
	s.logger.Info("coordination server stopped")
	return err
}

// Stop closes the listener immediately.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Connections reports how many sockets are open.
func (s *Server) Connections() int {
	return s.hub.size()
}

func (s *Server) emitGlobal(eventType string, payload any) {
	s.events.Emit(bus.Event{
		Type:      eventType,
		Source:    "gateway",
		Payload:   payload,
		Timestamp: s.now(),
	})
}
