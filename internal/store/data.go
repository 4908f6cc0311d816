package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"channelhub/internal/domain"
)

func (s *SQLiteStore) PutData(ctx context.Context, blob domain.DataBlob) error {
	if blob.CreatedAt == 0 {
		blob.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO data_blobs (id, channel_id, type, mime_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		blob.ID, blob.ChannelID, blob.Type, blob.MimeType, blob.Content, blob.CreatedAt,
	)
	return domain.Persistence("put data", err)
}

func (s *SQLiteStore) GetData(ctx context.Context, id string) (*domain.DataBlob, error) {
	var b domain.DataBlob
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, type, mime_type, content, created_at FROM data_blobs WHERE id = ?`, id,
	).Scan(&b.ID, &b.ChannelID, &b.Type, &b.MimeType, &b.Content, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "data", ID: id}
	}
	if err != nil {
		return nil, domain.Persistence("get data", err)
	}
	return &b, nil
}

func (s *SQLiteStore) PurgeData(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM data_blobs WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, domain.Persistence("purge data", err)
	}
	n, err := res.RowsAffected()
	return int(n), domain.Persistence("purge data", err)
}
