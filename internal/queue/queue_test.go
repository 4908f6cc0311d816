package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"channelhub/internal/domain"
	"channelhub/internal/metrics"
	"channelhub/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func setupSQLite(t *testing.T) *store.SQLiteStore {
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setupRedis(t *testing.T) *RedisStore {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rs, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// forEachBackend runs fn against the SQLite and Redis stores.
func forEachBackend(t *testing.T, fn func(t *testing.T, svc *Service, orders *store.SQLiteStore)) {
	t.Run("sqlite", func(t *testing.T) {
		s := setupSQLite(t)
		c := &clock{t: time.UnixMilli(1700000000000)}
		svc := New(Config{Store: s.Queue(), Orders: s, Metrics: metrics.New(), Logger: testLogger(), Now: c.now})
		fn(t, svc, s)
	})
	t.Run("redis", func(t *testing.T) {
		orders := setupSQLite(t)
		c := &clock{t: time.UnixMilli(1700000000000)}
		svc := New(Config{Store: setupRedis(t), Orders: orders, Metrics: metrics.New(), Logger: testLogger(), Now: c.now})
		fn(t, svc, orders)
	})
}

func intp(v int) *int { return &v }

func TestCreate_Validation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service, _ *store.SQLiteStore) {
		ctx := context.Background()

		_, err := svc.Create(ctx, CreateRequest{})
		assert.True(t, domain.IsValidation(err), "missing id: %v", err)

		_, err = svc.Create(ctx, CreateRequest{ID: "x", Prop: intp(2)})
		assert.True(t, domain.IsValidation(err), "bad flag: %v", err)

		_, err = svc.Create(ctx, CreateRequest{ID: "x", Prop: intp(0), Tax: intp(0)})
		assert.True(t, domain.IsValidation(err), "both zero: %v", err)

		_, err = svc.Create(ctx, CreateRequest{ID: "x", Data: []byte("{nope")})
		assert.True(t, domain.IsValidation(err), "bad data: %v", err)

		_, err = svc.Create(ctx, CreateRequest{ID: "x"})
		require.NoError(t, err)
		_, err = svc.Create(ctx, CreateRequest{ID: "x"})
		assert.True(t, domain.IsValidation(err), "duplicate: %v", err)
	})
}

func TestCreate_DefaultsAndCompanionOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service, orders *store.SQLiteStore) {
		ctx := context.Background()

		rec, err := svc.Create(ctx, CreateRequest{ID: "o-1", Data: []byte(`{"parcel":"A-7"}`)})
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Prop)
		assert.Equal(t, 1, rec.Tax)

		got, err := svc.Get(ctx, "o-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"parcel":"A-7"}`, string(got.Data))

		order, err := orders.GetOrder(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderPending, order.PropStatus)
		assert.Equal(t, domain.OrderPending, order.TaxStatus)

		_, err = svc.Create(ctx, CreateRequest{ID: "o-2", Prop: intp(0)})
		require.NoError(t, err)
		order, err = orders.GetOrder(ctx, "o-2")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderCompleted, order.PropStatus)
	})
}

func TestGetActive_FIFO(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service, _ *store.SQLiteStore) {
		ctx := context.Background()

		for _, id := range []string{"t1", "t2", "t3"} {
			_, err := svc.Create(ctx, CreateRequest{ID: id})
			require.NoError(t, err)
		}
		_, err := svc.Create(ctx, CreateRequest{ID: "tax-only", Prop: intp(0)})
		require.NoError(t, err)

		recs, err := svc.GetActive(ctx, domain.TaskProp)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, []string{"t1", "t2", "t3"}, ids(recs))

		recs, err = svc.GetActive(ctx, domain.TaskTax)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2", "t3", "tax-only"}, ids(recs))

		_, err = svc.GetActive(ctx, "bogus")
		assert.True(t, domain.IsValidation(err))
	})
}

func TestMarkComplete_DeletesWhenBothDone(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service, orders *store.SQLiteStore) {
		ctx := context.Background()
		_, err := svc.Create(ctx, CreateRequest{ID: "r1"})
		require.NoError(t, err)

		res, err := svc.MarkComplete(ctx, "r1", domain.TaskProp)
		require.NoError(t, err)
		assert.False(t, res.Deleted)
		assert.Equal(t, 0, res.Record.Prop)
		assert.Equal(t, 1, res.Record.Tax)

		// idempotent while the other half is pending
		res, err = svc.MarkComplete(ctx, "r1", domain.TaskProp)
		require.NoError(t, err)
		assert.False(t, res.Deleted)

		res, err = svc.MarkComplete(ctx, "r1", domain.TaskTax)
		require.NoError(t, err)
		assert.True(t, res.Deleted)

		for _, kind := range []domain.TaskKind{domain.TaskProp, domain.TaskTax} {
			recs, err := svc.GetActive(ctx, kind)
			require.NoError(t, err)
			assert.NotContains(t, ids(recs), "r1")
		}
		_, err = svc.Get(ctx, "r1")
		assert.True(t, domain.IsNotFound(err))

		_, err = svc.MarkComplete(ctx, "r1", domain.TaskProp)
		assert.True(t, domain.IsNotFound(err), "completion after retirement: %v", err)

		order, err := orders.GetOrder(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderCompleted, order.PropStatus)
		assert.Equal(t, domain.OrderCompleted, order.TaxStatus)
	})
}

func TestMarkComplete_UnknownID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service, _ *store.SQLiteStore) {
		_, err := svc.MarkComplete(context.Background(), "ghost", domain.TaskTax)
		assert.True(t, domain.IsNotFound(err))
		var nf *domain.NotFoundError
		assert.True(t, errors.As(err, &nf))
	})
}

func TestMarkComplete_ConcurrentHalves(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service, _ *store.SQLiteStore) {
		ctx := context.Background()
		const n = 25
		for i := 0; i < n; i++ {
			_, err := svc.Create(ctx, CreateRequest{ID: "c" + string(rune('A'+i))})
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		deletions := map[string]int{}
		for i := 0; i < n; i++ {
			id := "c" + string(rune('A'+i))
			for _, kind := range []domain.TaskKind{domain.TaskProp, domain.TaskTax} {
				wg.Add(1)
				go func(kind domain.TaskKind) {
					defer wg.Done()
					res, err := svc.MarkComplete(ctx, id, kind)
					assert.NoError(t, err)
					if res.Deleted {
						mu.Lock()
						deletions[id]++
						mu.Unlock()
					}
				}(kind)
			}
		}
		wg.Wait()

		assert.Len(t, deletions, n)
		for id, d := range deletions {
			assert.Equal(t, 1, d, "record %s deleted %d times", id, d)
		}
		depth, err := svc.Depth(ctx, domain.TaskProp)
		require.NoError(t, err)
		assert.Zero(t, depth)
	})
}

type failingOrders struct{ calls int }

func (f *failingOrders) CreateOrder(context.Context, domain.Order) error { return nil }
func (f *failingOrders) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	return nil, &domain.NotFoundError{Kind: "order", ID: id}
}
func (f *failingOrders) SetOrderStatus(context.Context, string, domain.TaskKind, string) error {
	f.calls++
	return &domain.PersistenceError{Op: "set order status", Err: errors.New("disk full")}
}

func TestMarkComplete_OrderSyncIsBestEffort(t *testing.T) {
	orders := &failingOrders{}
	svc := New(Config{Store: setupRedis(t), Orders: orders, Logger: testLogger()})
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{ID: "r1", Tax: intp(0)})
	require.NoError(t, err)

	res, err := svc.MarkComplete(ctx, "r1", domain.TaskProp)
	require.NoError(t, err, "order sync failure must not fail completion")
	assert.True(t, res.Deleted)
	assert.Equal(t, 1, orders.calls)
}

func TestRefreshDepth(t *testing.T) {
	s := setupSQLite(t)
	svc := New(Config{Store: s.Queue(), Metrics: metrics.New(), Logger: testLogger()})
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, svc.RefreshDepth(ctx))

	n, err := svc.Depth(ctx, domain.TaskTax)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func ids(recs []domain.PubSubRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
