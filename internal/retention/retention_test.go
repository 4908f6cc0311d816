package retention

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"channelhub/internal/domain"
	"channelhub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type depthCounter struct {
	calls int
	err   error
}

func (d *depthCounter) RefreshDepth(context.Context) error {
	d.calls++
	return d.err
}

func TestNew_RejectsBadCron(t *testing.T) {
	if _, err := New(Config{Cron: "not a cron", TTL: time.Hour}); err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if _, err := New(Config{Cron: "@hourly", TTL: 0}); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestRunOnce_PurgesOldBlobs(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "r.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	s.PutData(ctx, domain.DataBlob{ID: "old", Type: "text", Content: []byte("x"), CreatedAt: now.Add(-3 * time.Hour).UnixMilli()})
	s.PutData(ctx, domain.DataBlob{ID: "new", Type: "text", Content: []byte("y"), CreatedAt: now.UnixMilli()})

	depth := &depthCounter{}
	sw, err := New(Config{Data: s, Queue: depth, Cron: "@hourly", TTL: time.Hour, Logger: testLogger(), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}

	n, err := sw.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, err := s.GetData(ctx, "new"); err != nil {
		t.Errorf("fresh blob should survive: %v", err)
	}
	if depth.calls != 1 {
		t.Errorf("expected depth refresh, got %d calls", depth.calls)
	}
}

func TestRunOnce_DepthError(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "r.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	sw, _ := New(Config{Data: s, Queue: &depthCounter{err: errors.New("redis down")}, Cron: "@hourly", TTL: time.Hour, Logger: testLogger()})
	if _, err := sw.RunOnce(context.Background()); err == nil {
		t.Fatal("expected depth refresh error to surface")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "r.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	sw, _ := New(Config{Data: s, Cron: "* * * * *", TTL: time.Hour, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
