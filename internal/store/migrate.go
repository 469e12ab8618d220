package store

import (
	"fmt"

	steeple_errors "steeple-sync/pkg/errors"
)

// migrations are applied in order; PRAGMA user_version tracks progress.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		synced_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		starts_at INTEGER NOT NULL,
		ends_at INTEGER,
		updated_at INTEGER NOT NULL,
		synced_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_events_starts_at ON events(starts_at);

	CREATE TABLE IF NOT EXISTS announcements (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		published_at INTEGER,
		updated_at INTEGER NOT NULL,
		synced_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		payload BLOB NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		linked_record_id TEXT,
		created_at INTEGER NOT NULL,
		last_attempt_at INTEGER,
		next_retry_at INTEGER,
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox(status, created_at);

	CREATE TABLE IF NOT EXISTS attendance (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		checked_in_at INTEGER NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		outbox_item_id TEXT REFERENCES outbox(id),
		updated_at INTEGER NOT NULL,
		synced_at INTEGER,
		UNIQUE(member_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		resource TEXT PRIMARY KEY,
		last_etag TEXT NOT NULL DEFAULT '',
		last_cursor TEXT NOT NULL DEFAULT '',
		last_sync_at INTEGER NOT NULL DEFAULT 0
	);
	`,

	// v2: retention GC deletes retired outbox rows that attendance
	// still points at, so the link has to clear instead of blocking
	// the delete. SQLite cannot alter an FK in place; rebuild.
	`
	CREATE TABLE attendance_v2 (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		checked_in_at INTEGER NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		outbox_item_id TEXT REFERENCES outbox(id) ON DELETE SET NULL,
		updated_at INTEGER NOT NULL,
		synced_at INTEGER,
		UNIQUE(member_id, event_id)
	);
	INSERT INTO attendance_v2 (id, member_id, event_id, checked_in_at, sync_status, outbox_item_id, updated_at, synced_at)
		SELECT id, member_id, event_id, checked_in_at, sync_status, outbox_item_id, updated_at, synced_at FROM attendance;
	DROP TABLE attendance;
	ALTER TABLE attendance_v2 RENAME TO attendance;
	`,
}

// Migrate brings the schema up to the current version.
func (db *DB) Migrate() error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("%w: read user_version: %v", steeple_errors.ErrStorage, err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin migration %d: %v", steeple_errors.ErrStorage, i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: apply migration %d: %v", steeple_errors.ErrStorage, i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: bump user_version: %v", steeple_errors.ErrStorage, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration %d: %v", steeple_errors.ErrStorage, i+1, err)
		}
	}
	return nil
}
