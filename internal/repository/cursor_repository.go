package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"steeple-sync/internal/domain/cursor"
)

type cursorRepository struct {
	db DBTX
}

func NewCursorRepository(db DBTX) CursorRepository {
	return &cursorRepository{db: db}
}

// Get returns the stored cursor, or a zero cursor for a resource that
// has never synced.
func (r *cursorRepository) Get(ctx context.Context, res cursor.Resource) (cursor.Cursor, error) {
	var (
		c      cursor.Cursor
		syncAt int64
	)
	c.Resource = res
	err := r.db.QueryRowContext(ctx, `
        SELECT last_etag, last_cursor, last_sync_at FROM sync_meta WHERE resource = ?
    `, string(res)).Scan(&c.LastETag, &c.LastCursor, &syncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return cursor.Cursor{}, storageErr("get sync cursor", err)
	}
	if syncAt > 0 {
		c.LastSyncAt = timeFromUnix(syncAt)
	}
	return c, nil
}

// Upsert must run inside the same transaction as the data the cursor
// describes; callers pass the tx they used for the batch upsert.
func (r *cursorRepository) Upsert(ctx context.Context, tx DBTX, c cursor.Cursor) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	_, err := execDB.ExecContext(ctx, `
        INSERT INTO sync_meta (resource, last_etag, last_cursor, last_sync_at)
        VALUES (?,?,?,?)
        ON CONFLICT(resource) DO UPDATE SET
            last_etag = excluded.last_etag,
            last_cursor = excluded.last_cursor,
            last_sync_at = excluded.last_sync_at
    `, string(c.Resource), c.LastETag, c.LastCursor, c.LastSyncAt.Unix())
	if err != nil {
		return storageErr("upsert sync cursor", err)
	}
	return nil
}

// TouchSyncedAt refreshes last_sync_at after a 304 without moving the
// ETag or cursor.
func (r *cursorRepository) TouchSyncedAt(ctx context.Context, res cursor.Resource, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE sync_meta SET last_sync_at = ? WHERE resource = ?
    `, at.Unix(), string(res))
	if err != nil {
		return storageErr("touch sync cursor", err)
	}
	return nil
}
