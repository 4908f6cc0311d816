package main

import (
	"context"
	"fmt"
	"time"

	"channelhub/internal/blob"
	"channelhub/internal/config"
	"channelhub/internal/domain"
	"channelhub/internal/metrics"
	"channelhub/internal/queue"
	"channelhub/internal/store"

	"github.com/redis/go-redis/v9"
)

// backends holds the storage collaborators selected by the config.
type backends struct {
	sqlite *store.SQLiteStore
	queue  queue.Store
	redis  *queue.RedisStore
	data   domain.DataStore
	pebble *blob.PebbleStore
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	b := &backends{sqlite: st, queue: st.Queue(), data: st}

	switch cfg.Queue.Backend {
	case "redis":
		rs, err := queue.NewRedisStore(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		}, cfg.Queue.Redis.Prefix)
		if err != nil {
			b.Close()
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			rs.Close()
			b.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Queue.Redis.Addr, err)
		}
		b.redis = rs
		b.queue = rs
		logger.Info("queue backend", "backend", "redis", "addr", cfg.Queue.Redis.Addr, "prefix", cfg.Queue.Redis.Prefix)
	default:
		logger.Info("queue backend", "backend", "sqlite", "path", cfg.Store.DBPath)
	}

	if cfg.Data.Backend == "pebble" {
		ps, err := blob.Open(cfg.Data.PebblePath)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.pebble = ps
		b.data = ps
		logger.Info("data backend", "backend", "pebble", "path", cfg.Data.PebblePath)
	}
	return b, nil
}

func (b *backends) queueService(m *metrics.Metrics) *queue.Service {
	return queue.New(queue.Config{
		Store:   b.queue,
		Orders:  b.sqlite,
		Metrics: m,
		Logger:  logger,
	})
}

func (b *backends) Close() {
	if b.pebble != nil {
		if err := b.pebble.Close(); err != nil {
			logger.Warn("close pebble", "err", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Warn("close redis", "err", err)
		}
	}
	if err := b.sqlite.Close(); err != nil {
		logger.Warn("close store", "err", err)
	}
}
