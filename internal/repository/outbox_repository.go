package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/outbox"
	steeple_errors "steeple-sync/pkg/errors"
)

type outboxRepository struct {
	db DBTX
}

func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepository{db: db}
}

const outboxColumns = "id, endpoint, method, payload, idempotency_key, status, retry_count, linked_record_id, created_at, last_attempt_at, next_retry_at, error_message"

func (r *outboxRepository) Create(ctx context.Context, tx DBTX, item *outbox.Item) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	var linked interface{}
	if item.LinkedRecordID != nil {
		linked = item.LinkedRecordID.String()
	}
	_, err := execDB.ExecContext(ctx, `
        INSERT INTO outbox (id, endpoint, method, payload, idempotency_key, status, retry_count, linked_record_id, created_at, last_attempt_at, next_retry_at, error_message)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		item.ID.String(), item.Endpoint, item.Method, item.Payload,
		item.IdempotencyKey, string(item.Status), item.RetryCount, linked,
		item.CreatedAt.Unix(), unixPtr(item.LastAttemptAt), unixPtr(item.NextRetryAt),
		item.ErrorMessage,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return steeple_errors.ErrConflict
		}
		return storageErr("create outbox item", err)
	}
	return nil
}

func (r *outboxRepository) GetByID(ctx context.Context, id uuid.UUID) (outbox.Item, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+outboxColumns+` FROM outbox WHERE id = ?
    `, id.String())
	item, err := scanOutboxItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Item{}, steeple_errors.ErrNotFound
	}
	if err != nil {
		return outbox.Item{}, storageErr("get outbox item", err)
	}
	return item, nil
}

// GetPending returns pending items whose retry time has come, oldest
// first — FIFO by enqueue order.
func (r *outboxRepository) GetPending(ctx context.Context, now time.Time, limit int) ([]outbox.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+outboxColumns+` FROM outbox
        WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
        ORDER BY created_at ASC
        LIMIT ?
    `, string(outbox.StatusPending), now.Unix(), limit)
	if err != nil {
		return nil, storageErr("list pending outbox items", err)
	}
	defer rows.Close()

	var items []outbox.Item
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, storageErr("scan outbox item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate outbox items", err)
	}
	return items, nil
}

// MarkSynced runs through tx so the linked local record can be
// acknowledged in the same transaction.
func (r *outboxRepository) MarkSynced(ctx context.Context, tx DBTX, id uuid.UUID, at time.Time) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	_, err := execDB.ExecContext(ctx, `
        UPDATE outbox
        SET status = ?, last_attempt_at = ?, next_retry_at = NULL, error_message = ''
        WHERE id = ?
    `, string(outbox.StatusSynced), at.Unix(), id.String())
	if err != nil {
		return storageErr("mark outbox item synced", err)
	}
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE outbox
        SET status = ?, last_attempt_at = ?, next_retry_at = NULL, error_message = ?
        WHERE id = ?
    `, string(outbox.StatusFailed), at.Unix(), errMsg, id.String())
	if err != nil {
		return storageErr("mark outbox item failed", err)
	}
	return nil
}

// RecordAttempt bumps retry_count after a transient failure and
// schedules the next attempt. The idempotency key is untouched.
func (r *outboxRepository) RecordAttempt(ctx context.Context, id uuid.UUID, errMsg string, at, nextRetry time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE outbox
        SET retry_count = retry_count + 1, last_attempt_at = ?, next_retry_at = ?, error_message = ?
        WHERE id = ?
    `, at.Unix(), nextRetry.Unix(), errMsg, id.String())
	if err != nil {
		return storageErr("record outbox attempt", err)
	}
	return nil
}

// ResetFailed moves one (or, with nil id, every) failed item back to
// pending for a user-triggered retry.
func (r *outboxRepository) ResetFailed(ctx context.Context, id *uuid.UUID) (int64, error) {
	query := `
        UPDATE outbox
        SET status = ?, retry_count = 0, next_retry_at = NULL, error_message = ''
        WHERE status = ?
    `
	args := []interface{}{string(outbox.StatusPending), string(outbox.StatusFailed)}
	if id != nil {
		query += " AND id = ?"
		args = append(args, id.String())
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr("reset failed outbox items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reset failed outbox items", err)
	}
	return n, nil
}

func (r *outboxRepository) QueueStatus(ctx context.Context) (outbox.QueueStatus, error) {
	var status outbox.QueueStatus
	rows, err := r.db.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM outbox GROUP BY status
    `)
	if err != nil {
		return status, storageErr("queue status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return status, storageErr("scan queue status", err)
		}
		switch outbox.Status(s) {
		case outbox.StatusPending:
			status.Pending = n
		case outbox.StatusSynced:
			status.Synced = n
		case outbox.StatusFailed:
			status.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return status, storageErr("iterate queue status", err)
	}

	var oldest sql.NullInt64
	err = r.db.QueryRowContext(ctx, `
        SELECT MIN(created_at) FROM outbox WHERE status = ?
    `, string(outbox.StatusPending)).Scan(&oldest)
	if err != nil {
		return status, storageErr("oldest pending", err)
	}
	status.OldestPending = timePtrFromNull(oldest)
	return status, nil
}

// DeleteRetired garbage-collects terminal items past the retention
// window. Pending items are never removed, whatever their age.
func (r *outboxRepository) DeleteRetired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        DELETE FROM outbox
        WHERE status IN (?, ?) AND created_at < ?
    `, string(outbox.StatusSynced), string(outbox.StatusFailed), olderThan.Unix())
	if err != nil {
		return 0, storageErr("delete retired outbox items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete retired outbox items", err)
	}
	return n, nil
}

func scanOutboxItem(row rowScanner) (outbox.Item, error) {
	var (
		item        outbox.Item
		id          string
		status      string
		linked      sql.NullString
		created     int64
		lastAttempt sql.NullInt64
		nextRetry   sql.NullInt64
	)
	if err := row.Scan(&id, &item.Endpoint, &item.Method, &item.Payload,
		&item.IdempotencyKey, &status, &item.RetryCount, &linked,
		&created, &lastAttempt, &nextRetry, &item.ErrorMessage); err != nil {
		return outbox.Item{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return outbox.Item{}, err
	}
	item.ID = parsed
	item.Status = outbox.Status(status)
	if linked.Valid {
		linkedID, err := uuid.Parse(linked.String)
		if err != nil {
			return outbox.Item{}, err
		}
		item.LinkedRecordID = &linkedID
	}
	item.CreatedAt = timeFromUnix(created)
	item.LastAttemptAt = timePtrFromNull(lastAttempt)
	item.NextRetryAt = timePtrFromNull(nextRetry)
	return item, nil
}
