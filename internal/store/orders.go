package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"channelhub/internal/domain"
)

// CreateOrder inserts order. An existing order with the same id is left
// untouched.
func (s *SQLiteStore) CreateOrder(ctx context.Context, order domain.Order) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	if order.PropStatus == "" {
		order.PropStatus = domain.OrderPending
	}
	if order.TaxStatus == "" {
		order.TaxStatus = domain.OrderPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, prop_status, tax_status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		order.ID, order.PropStatus, order.TaxStatus, nullableJSON(order.Data),
		order.CreatedAt.UnixMicro(), order.UpdatedAt.UnixMicro(),
	)
	return domain.Persistence("create order", err)
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	var data sql.NullString
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, prop_status, tax_status, data, created_at, updated_at FROM orders WHERE id = ?`, id,
	).Scan(&o.ID, &o.PropStatus, &o.TaxStatus, &data, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "order", ID: id}
	}
	if err != nil {
		return nil, domain.Persistence("get order", err)
	}
	if data.Valid {
		o.Data = []byte(data.String)
	}
	o.CreatedAt = time.UnixMicro(created)
	o.UpdatedAt = time.UnixMicro(updated)
	return &o, nil
}

// SetOrderStatus updates the status column belonging to kind.
func (s *SQLiteStore) SetOrderStatus(ctx context.Context, id string, kind domain.TaskKind, status string) error {
	column := "prop_status"
	if kind == domain.TaskTax {
		column = "tax_status"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMicro(), id,
	)
	if err != nil {
		return domain.Persistence("set order status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "order", ID: id}
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
