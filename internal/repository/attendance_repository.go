package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/attendance"
	steeple_errors "steeple-sync/pkg/errors"
)

type attendanceRepository struct {
	db DBTX
}

func NewAttendanceRepository(db DBTX) AttendanceRepository {
	return &attendanceRepository{db: db}
}

const attendanceColumns = "id, member_id, event_id, checked_in_at, sync_status, outbox_item_id, updated_at, synced_at"

// Create inserts a locally originated check-in. A duplicate
// (member_id, event_id) pair maps to ErrAlreadyCheckedIn.
func (r *attendanceRepository) Create(ctx context.Context, tx DBTX, rec *attendance.Record) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	var outboxID interface{}
	if rec.OutboxItemID != nil {
		outboxID = rec.OutboxItemID.String()
	}
	_, err := execDB.ExecContext(ctx, `
        INSERT INTO attendance (id, member_id, event_id, checked_in_at, sync_status, outbox_item_id, updated_at, synced_at)
        VALUES (?,?,?,?,?,?,?,?)
    `,
		rec.ID.String(), rec.MemberID.String(), rec.EventID.String(),
		rec.CheckedInAt.Unix(), string(rec.SyncStatus), outboxID,
		rec.UpdatedAt.Unix(), unixPtr(rec.SyncedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return steeple_errors.ErrAlreadyCheckedIn
		}
		return storageErr("create attendance", err)
	}
	return nil
}

func (r *attendanceRepository) Exists(ctx context.Context, memberID, eventID uuid.UUID) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM attendance WHERE member_id = ? AND event_id = ?
    `, memberID.String(), eventID.String()).Scan(&n)
	if err != nil {
		return false, storageErr("attendance exists", err)
	}
	return n > 0, nil
}

func (r *attendanceRepository) GetByID(ctx context.Context, id uuid.UUID) (attendance.Record, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+attendanceColumns+` FROM attendance WHERE id = ?
    `, id.String())
	rec, err := scanAttendance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, steeple_errors.ErrNotFound
	}
	if err != nil {
		return attendance.Record{}, storageErr("get attendance", err)
	}
	return rec, nil
}

func (r *attendanceRepository) ListForEvent(ctx context.Context, eventID uuid.UUID) ([]attendance.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+attendanceColumns+` FROM attendance
        WHERE event_id = ?
        ORDER BY checked_in_at
    `, eventID.String())
	if err != nil {
		return nil, storageErr("list attendance", err)
	}
	defer rows.Close()

	var recs []attendance.Record
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, storageErr("scan attendance", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate attendance", err)
	}
	return recs, nil
}

// MarkSynced runs through tx so it can share a transaction with the
// outbox item acknowledgment.
func (r *attendanceRepository) MarkSynced(ctx context.Context, tx DBTX, id uuid.UUID, at time.Time) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	_, err := execDB.ExecContext(ctx, `
        UPDATE attendance
        SET sync_status = ?, synced_at = ?, updated_at = ?
        WHERE id = ?
    `, string(attendance.SyncSynced), at.Unix(), at.Unix(), id.String())
	if err != nil {
		return storageErr("mark attendance synced", err)
	}
	return nil
}

func (r *attendanceRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE attendance
        SET sync_status = ?, updated_at = ?
        WHERE id = ?
    `, string(attendance.SyncFailed), time.Now().Unix(), id.String())
	if err != nil {
		return storageErr("mark attendance failed", err)
	}
	return nil
}

func scanAttendance(row rowScanner) (attendance.Record, error) {
	var (
		rec       attendance.Record
		id        string
		memberID  string
		eventID   string
		checkedIn int64
		status    string
		outboxID  sql.NullString
		updated   int64
		syncedAt  sql.NullInt64
	)
	if err := row.Scan(&id, &memberID, &eventID, &checkedIn, &status, &outboxID, &updated, &syncedAt); err != nil {
		return attendance.Record{}, err
	}
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return attendance.Record{}, err
	}
	if rec.MemberID, err = uuid.Parse(memberID); err != nil {
		return attendance.Record{}, err
	}
	if rec.EventID, err = uuid.Parse(eventID); err != nil {
		return attendance.Record{}, err
	}
	if outboxID.Valid {
		parsed, err := uuid.Parse(outboxID.String)
		if err != nil {
			return attendance.Record{}, err
		}
		rec.OutboxItemID = &parsed
	}
	rec.CheckedInAt = timeFromUnix(checkedIn)
	rec.SyncStatus = attendance.SyncStatus(status)
	rec.UpdatedAt = timeFromUnix(updated)
	rec.SyncedAt = timePtrFromNull(syncedAt)
	return rec, nil
}
