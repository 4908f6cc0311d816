// Package queue implements the dual-condition task queue. A record owes a
// prop sub-task, a tax sub-task, or both, and lives only while at least one
// is still owed. Completing the last owed sub-task deletes the record in the
// same atomic backend operation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"channelhub/internal/domain"
	"channelhub/internal/metrics"
)

// Store is a queue backend. Complete must clear the flag, test both flags
// and delete the record atomically per record.
type Store interface {
	// Insert fails with a ValidationError when the id already exists.
	Insert(ctx context.Context, rec domain.PubSubRecord) error
	Get(ctx context.Context, id string) (*domain.PubSubRecord, error)
	// ListActive returns records whose kind flag is 1, oldest first.
	ListActive(ctx context.Context, kind domain.TaskKind) ([]domain.PubSubRecord, error)
	// Complete returns the record as it stood after the flag was cleared and
	// whether it was deleted. Unknown ids yield a NotFoundError.
	Complete(ctx context.Context, id string, kind domain.TaskKind) (domain.PubSubRecord, bool, error)
	Depth(ctx context.Context, kind domain.TaskKind) (int, error)
}

// Config configures a Service.
type Config struct {
	Store   Store
	Orders  domain.OrderStore // optional companion order store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service is the queue's public surface.
type Service struct {
	store   Store
	orders  domain.OrderStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:   cfg.Store,
		orders:  cfg.Orders,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// CreateRequest is the input of Create. Nil flags default to 1.
type CreateRequest struct {
	ID   string          `json:"id"`
	Prop *int            `json:"prop,omitempty"`
	Tax  *int            `json:"tax,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Completion is the outcome of MarkComplete.
type Completion struct {
	Record  domain.PubSubRecord `json:"record"`
	Deleted bool                `json:"deleted"`
}

// Create validates req, creates the companion order under the same id when
// an order store is configured, and inserts the queue record.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.PubSubRecord, error) {
	if req.ID == "" {
		return domain.PubSubRecord{}, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	prop, err := flagValue("prop", req.Prop)
	if err != nil {
		return domain.PubSubRecord{}, err
	}
	tax, err := flagValue("tax", req.Tax)
	if err != nil {
		return domain.PubSubRecord{}, err
	}
	if prop == 0 && tax == 0 {
		return domain.PubSubRecord{}, &domain.ValidationError{Field: "prop/tax", Reason: "a record must owe at least one sub-task"}
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		return domain.PubSubRecord{}, &domain.ValidationError{Field: "data", Reason: "must be valid JSON"}
	}

	rec := domain.PubSubRecord{
		ID:        req.ID,
		Prop:      prop,
		Tax:       tax,
		Data:      req.Data,
		CreatedAt: s.now(),
	}

	if s.orders != nil {
		order := domain.Order{
			ID:         rec.ID,
			PropStatus: statusFor(prop),
			TaxStatus:  statusFor(tax),
			Data:       rec.Data,
			CreatedAt:  rec.CreatedAt,
		}
		if err := s.orders.CreateOrder(ctx, order); err != nil {
			return domain.PubSubRecord{}, domain.Persistence("create order", err)
		}
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return domain.PubSubRecord{}, domain.Persistence("insert record", err)
	}

	s.metrics.QueueCreated()
	s.logger.Info("queue record created", "id", rec.ID, "prop", prop, "tax", tax)
	return rec, nil
}

// GetActive lists the records still owing kind, oldest first.
func (s *Service) GetActive(ctx context.Context, kind domain.TaskKind) ([]domain.PubSubRecord, error) {
	if _, err := domain.ParseTaskKind(string(kind)); err != nil {
		return nil, err
	}
	recs, err := s.store.ListActive(ctx, kind)
	if err != nil {
		return nil, domain.Persistence("list active", err)
	}
	return recs, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*domain.PubSubRecord, error) {
	if id == "" {
		return nil, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	return s.store.Get(ctx, id)
}

// MarkComplete clears the kind flag of record id. The record is deleted when
// both flags are clear. A missing record, including one already retired by
// the other kind, is a NotFoundError. The companion order's status for kind
// is then set to completed; failures there are logged and counted but do not
// fail the call.
func (s *Service) MarkComplete(ctx context.Context, id string, kind domain.TaskKind) (Completion, error) {
	if id == "" {
		return Completion{}, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if _, err := domain.ParseTaskKind(string(kind)); err != nil {
		return Completion{}, err
	}

	rec, deleted, err := s.store.Complete(ctx, id, kind)
	if err != nil {
		return Completion{}, domain.Persistence("complete record", err)
	}
	s.metrics.QueueCompleted(string(kind), deleted)

	if s.orders != nil {
		if err := s.orders.SetOrderStatus(ctx, id, kind, domain.OrderCompleted); err != nil {
			s.metrics.OrderSyncFailed(string(kind))
			s.logger.Warn("order status sync failed", "id", id, "kind", kind, "err", err)
		}
	}

	if deleted {
		s.logger.Info("queue record retired", "id", id)
	} else {
		s.logger.Debug("queue sub-task completed", "id", id, "kind", kind)
	}
	return Completion{Record: rec, Deleted: deleted}, nil
}

// Depth reports how many records still owe kind.
func (s *Service) Depth(ctx context.Context, kind domain.TaskKind) (int, error) {
	return s.store.Depth(ctx, kind)
}

// RefreshDepth updates the queue depth gauges.
func (s *Service) RefreshDepth(ctx context.Context) error {
	for _, kind := range []domain.TaskKind{domain.TaskProp, domain.TaskTax} {
		n, err := s.store.Depth(ctx, kind)
		if err != nil {
			return fmt.Errorf("depth %s: %w", kind, err)
		}
		s.metrics.SetQueueDepth(string(kind), n)
	}
	return nil
}

func flagValue(field string, v *int) (int, error) {
	if v == nil {
		return 1, nil
	}
	if *v != 0 && *v != 1 {
		return 0, &domain.ValidationError{Field: field, Reason: "must be 0 or 1"}
	}
	return *v, nil
}

func statusFor(flag int) string {
	if flag == 0 {
		return domain.OrderCompleted
	}
	return domain.OrderPending
}
