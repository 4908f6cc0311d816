// Package retention runs the cron-scheduled sweeper that drops old shared
// data blobs and refreshes the queue depth gauges.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"channelhub/internal/domain"
	"channelhub/internal/metrics"

	"github.com/adhocore/gronx"
)

// DepthRefresher is the slice of the queue service the sweeper needs.
type DepthRefresher interface {
	RefreshDepth(ctx context.Context) error
}

// Config configures a Sweeper.
type Config struct {
	Data    domain.DataStore
	Queue   DepthRefresher // optional
	Cron    string
	TTL     time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Sweeper purges data blobs older than TTL on every cron tick.
type Sweeper struct {
	data    domain.DataStore
	queue   DepthRefresher
	cron    string
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// New validates the cron expression and creates a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cfg.Cron)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("retention ttl must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		data:    cfg.Data,
		queue:   cfg.Queue,
		cron:    cfg.Cron,
		ttl:     cfg.TTL,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// Start blocks running the schedule until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("retention sweeper started", "cron", s.cron, "ttl", s.ttl)
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			s.logger.Error("retention next tick failed", "cron", s.cron, "err", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			s.runJob(ctx)
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopping")
			return
		}
	}
}

func (s *Sweeper) runJob(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("retention run failed", "err", err)
	}
}

// RunOnce performs one sweep and reports how many blobs were purged.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	purged, err := s.data.PurgeData(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge data: %w", err)
	}
	s.metrics.BlobsPurged(purged)
	s.logger.Info("retention run done", "purged", purged, "cutoff", cutoff)

	if s.queue != nil {
		if err := s.queue.RefreshDepth(ctx); err != nil {
			return purged, fmt.Errorf("refresh queue depth: %w", err)
		}
	}
	return purged, nil
}
