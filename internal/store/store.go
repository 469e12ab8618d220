// Package store owns the on-device SQLite database: entity caches,
// the outbox, and per-resource sync cursors.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	steeple_errors "steeple-sync/pkg/errors"
)

// DB wraps the sql.DB with engine-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the local database, creating the data directory if
// needed. WAL mode and foreign keys are enabled; a single writer
// connection serializes all writes.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", steeple_errors.ErrStorage, err)
	}

	dbPath := filepath.Join(dataDir, "steeple.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", steeple_errors.ErrStorage, err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("%w: enable WAL: %v", steeple_errors.ErrStorage, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("%w: enable foreign keys: %v", steeple_errors.ErrStorage, err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Stats reports per-table row counts for UI diagnostics.
func (db *DB) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int, len(cacheTables))
	for _, table := range cacheTables {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("%w: count %s: %v", steeple_errors.ErrStorage, table, err)
		}
		stats[table] = n
	}
	return stats, nil
}

// ClearAll wipes every local table in one transaction. Used on
// sign-out; nothing else ever deletes cached entities.
func (db *DB) ClearAll(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", steeple_errors.ErrStorage, err)
	}
	for _, table := range cacheTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: clear %s: %v", steeple_errors.ErrStorage, table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", steeple_errors.ErrStorage, err)
	}
	return nil
}

var cacheTables = []string{
	"members",
	"events",
	"announcements",
	"attendance",
	"outbox",
	"sync_meta",
}
