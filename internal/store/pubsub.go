package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"channelhub/internal/domain"
)

// Queue returns the queue-record view of the store.
func (s *SQLiteStore) Queue() *PubSubTable {
	return &PubSubTable{db: s.db}
}

// PubSubTable stores queue records in the pubsub table. createdAt is kept in
// unix microseconds; rowid breaks ties in insertion order.
type PubSubTable struct {
	db *sql.DB
}

func (t *PubSubTable) Insert(ctx context.Context, rec domain.PubSubRecord) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO pubsub (id, prop, tax, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Prop, rec.Tax, nullableJSON(rec.Data), rec.CreatedAt.UnixMicro(),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("record %q already exists", rec.ID)}
	}
	return domain.Persistence("insert pubsub", err)
}

func (t *PubSubTable) Get(ctx context.Context, id string) (*domain.PubSubRecord, error) {
	rec, err := scanRecord(t.db.QueryRowContext(ctx,
		`SELECT id, prop, tax, data, created_at FROM pubsub WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "pubsub record", ID: id}
	}
	if err != nil {
		return nil, domain.Persistence("get pubsub", err)
	}
	return rec, nil
}

// ListActive returns the records whose kind flag is 1, oldest first.
func (t *PubSubTable) ListActive(ctx context.Context, kind domain.TaskKind) ([]domain.PubSubRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, prop, tax, data, created_at FROM pubsub
		 WHERE `+flagColumn(kind)+` = 1
		 ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, domain.Persistence("list pubsub", err)
	}
	defer rows.Close()

	recs := []domain.PubSubRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, domain.Persistence("list pubsub", err)
		}
		recs = append(recs, *rec)
	}
	return recs, domain.Persistence("list pubsub", rows.Err())
}

// Complete clears the kind flag and deletes the record when both flags are
// zero, in one transaction. deleted reports whether the record is gone.
func (t *PubSubTable) Complete(ctx context.Context, id string, kind domain.TaskKind) (rec domain.PubSubRecord, deleted bool, err error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, false, domain.Persistence("complete pubsub", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE pubsub SET `+flagColumn(kind)+` = 0 WHERE id = ?`, id)
	if err != nil {
		return rec, false, domain.Persistence("complete pubsub", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rec, false, &domain.NotFoundError{Kind: "pubsub record", ID: id}
	}

	got, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT id, prop, tax, data, created_at FROM pubsub WHERE id = ?`, id))
	if err != nil {
		return rec, false, domain.Persistence("complete pubsub", err)
	}
	rec = *got

	if rec.Done() {
		if _, err = tx.ExecContext(ctx, `DELETE FROM pubsub WHERE id = ?`, id); err != nil {
			return rec, false, domain.Persistence("delete pubsub", err)
		}
		deleted = true
	}

	if err = tx.Commit(); err != nil {
		return rec, false, domain.Persistence("commit pubsub", err)
	}
	return rec, deleted, nil
}

func (t *PubSubTable) Depth(ctx context.Context, kind domain.TaskKind) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pubsub WHERE `+flagColumn(kind)+` = 1`).Scan(&n)
	return n, domain.Persistence("count pubsub", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.PubSubRecord, error) {
	var rec domain.PubSubRecord
	var data sql.NullString
	var created int64
	if err := row.Scan(&rec.ID, &rec.Prop, &rec.Tax, &data, &created); err != nil {
		return nil, err
	}
	if data.Valid {
		rec.Data = []byte(data.String)
	}
	rec.CreatedAt = time.UnixMicro(created)
	return &rec, nil
}

// flagColumn maps a validated kind to its column. Only the two constants
// reach SQL text.
func flagColumn(kind domain.TaskKind) string {
	if kind == domain.TaskTax {
		return "tax"
	}
	return "prop"
}
