package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/announcement"
	"steeple-sync/internal/domain/attendance"
	"steeple-sync/internal/domain/cursor"
	"steeple-sync/internal/domain/event"
	"steeple-sync/internal/domain/member"
	"steeple-sync/internal/domain/outbox"
)

type MemberRepository interface {
	Upsert(ctx context.Context, m *member.Member) error
	BatchUpsert(ctx context.Context, tx DBTX, ms []member.Member) error
	GetAll(ctx context.Context) ([]member.Member, error)
	GetByID(ctx context.Context, id uuid.UUID) (member.Member, error)
	Search(ctx context.Context, term string) ([]member.Member, error)
}

type EventRepository interface {
	Upsert(ctx context.Context, e *event.Event) error
	BatchUpsert(ctx context.Context, tx DBTX, es []event.Event) error
	GetAll(ctx context.Context) ([]event.Event, error)
	GetByID(ctx context.Context, id uuid.UUID) (event.Event, error)
	GetUpcoming(ctx context.Context, now time.Time, limit int) ([]event.Event, error)
	Search(ctx context.Context, term string) ([]event.Event, error)
}

type AnnouncementRepository interface {
	Upsert(ctx context.Context, a *announcement.Announcement) error
	BatchUpsert(ctx context.Context, tx DBTX, as []announcement.Announcement) error
	GetAll(ctx context.Context) ([]announcement.Announcement, error)
	GetByID(ctx context.Context, id uuid.UUID) (announcement.Announcement, error)
	GetPublished(ctx context.Context, limit int) ([]announcement.Announcement, error)
}

type AttendanceRepository interface {
	Create(ctx context.Context, tx DBTX, rec *attendance.Record) error
	Exists(ctx context.Context, memberID, eventID uuid.UUID) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (attendance.Record, error)
	ListForEvent(ctx context.Context, eventID uuid.UUID) ([]attendance.Record, error)
	MarkSynced(ctx context.Context, tx DBTX, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

type OutboxRepository interface {
	Create(ctx context.Context, tx DBTX, item *outbox.Item) error
	GetByID(ctx context.Context, id uuid.UUID) (outbox.Item, error)
	GetPending(ctx context.Context, now time.Time, limit int) ([]outbox.Item, error)
	MarkSynced(ctx context.Context, tx DBTX, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error
	RecordAttempt(ctx context.Context, id uuid.UUID, errMsg string, at, nextRetry time.Time) error
	ResetFailed(ctx context.Context, id *uuid.UUID) (int64, error)
	QueueStatus(ctx context.Context) (outbox.QueueStatus, error)
	DeleteRetired(ctx context.Context, olderThan time.Time) (int64, error)
}

type CursorRepository interface {
	Get(ctx context.Context, res cursor.Resource) (cursor.Cursor, error)
	Upsert(ctx context.Context, tx DBTX, c cursor.Cursor) error
	TouchSyncedAt(ctx context.Context, res cursor.Resource, at time.Time) error
}
