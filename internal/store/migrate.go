package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: messages, data_blobs, pubsub, orders",
		SQL: `
		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			channel_id        TEXT NOT NULL,
			sender_id         TEXT NOT NULL,
			sender_name       TEXT DEFAULT '',
			sender_type       TEXT DEFAULT '',
			content           TEXT DEFAULT '',
			tags              TEXT DEFAULT '[]',
			data_id           TEXT DEFAULT '',
			request_id        TEXT DEFAULT '',
			parent_request_id TEXT DEFAULT '',
			status            TEXT DEFAULT '',
			timestamp         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_request ON messages(request_id);
		CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, timestamp);

		CREATE TABLE IF NOT EXISTS data_blobs (
			id          TEXT PRIMARY KEY,
			channel_id  TEXT DEFAULT '',
			type        TEXT NOT NULL,
			mime_type   TEXT DEFAULT '',
			content     BLOB,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_data_blobs_time ON data_blobs(created_at);

		CREATE TABLE IF NOT EXISTS pubsub (
			id          TEXT PRIMARY KEY,
			prop        INTEGER NOT NULL CHECK (prop IN (0, 1)),
			tax         INTEGER NOT NULL CHECK (tax IN (0, 1)),
			data        TEXT,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pubsub_prop ON pubsub(prop, created_at);
		CREATE INDEX IF NOT EXISTS idx_pubsub_tax ON pubsub(tax, created_at);

		CREATE TABLE IF NOT EXISTS orders (
			id          TEXT PRIMARY KEY,
			prop_status TEXT NOT NULL DEFAULT 'pending',
			tax_status  TEXT NOT NULL DEFAULT 'pending',
			data        TEXT,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		`,
	},
	{
		Version:     2,
		Description: "v2: case-insensitive request id lookup",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_messages_request_ci ON messages(lower(request_id));
		`,
	},
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			logger.Warn("migration SQL partially failed (may be expected for upgrades)",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("record migration v%d: %w", m.Version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration v%d: %w", m.Version, err)
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// applyMigrationStatements applies each SQL statement individually, ignoring
// "duplicate column" or "already exists" errors for idempotency.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var result []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // Table doesn't exist => version 0
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
