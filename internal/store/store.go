// Package store is the SQLite record store behind channelhub: correlated
// messages, shared data blobs, queue records and their companion orders.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"channelhub/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MessageStore, domain.DataStore and
// domain.OrderStore using SQLite. Queue returns the queue.Store view.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: a transaction owns the whole database, which is what
	// makes queue completion atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveMessage upserts msg by id.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	tags, err := json.Marshal(msg.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, sender_name, sender_type, content, tags,
		                       data_id, request_id, parent_request_id, status, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   channel_id = excluded.channel_id,
		   sender_id = excluded.sender_id,
		   sender_name = excluded.sender_name,
		   sender_type = excluded.sender_type,
		   content = excluded.content,
		   tags = excluded.tags,
		   data_id = excluded.data_id,
		   request_id = excluded.request_id,
		   parent_request_id = excluded.parent_request_id,
		   status = excluded.status,
		   timestamp = excluded.timestamp`,
		msg.ID, msg.ChannelID, msg.SenderID, msg.SenderName, string(msg.SenderType), msg.Content, string(tags),
		msg.DataID, msg.RequestID, msg.ParentRequestID, msg.Status, msg.Timestamp,
	)
	return domain.Persistence("save message", err)
}

// FindByRequestID returns the oldest message carrying requestID, matching
// exactly first and case-insensitively second.
func (s *SQLiteStore) FindByRequestID(ctx context.Context, requestID string) (*domain.Message, error) {
	if requestID == "" {
		return nil, &domain.ValidationError{Field: "requestId", Reason: "required"}
	}

	const cols = `SELECT id, channel_id, sender_id, sender_name, sender_type, content, tags,
	                     data_id, request_id, parent_request_id, status, timestamp FROM messages`

	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		cols+` WHERE request_id = ? ORDER BY timestamp LIMIT 1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		msg, err = scanMessage(s.db.QueryRowContext(ctx,
			cols+` WHERE lower(request_id) = lower(?) ORDER BY timestamp LIMIT 1`, requestID))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "message", ID: requestID}
	}
	if err != nil {
		return nil, domain.Persistence("find message", err)
	}
	return msg, nil
}

func scanMessage(row *sql.Row) (*domain.Message, error) {
	var m domain.Message
	var senderType, tags string
	if err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &senderType, &m.Content, &tags,
		&m.DataID, &m.RequestID, &m.ParentRequestID, &m.Status, &m.Timestamp); err != nil {
		return nil, err
	}
	m.SenderType = domain.ParticipantKind(senderType)
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", m.ID, err)
	}
	return &m, nil
}
