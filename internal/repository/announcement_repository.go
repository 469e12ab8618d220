package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/announcement"
	steeple_errors "steeple-sync/pkg/errors"
)

type announcementRepository struct {
	db DBTX
}

func NewAnnouncementRepository(db DBTX) AnnouncementRepository {
	return &announcementRepository{db: db}
}

const announcementColumns = "id, title, body, published_at, updated_at, synced_at"

const upsertAnnouncementSQL = `
    INSERT INTO announcements (id, title, body, published_at, updated_at, synced_at)
    VALUES (?,?,?,?,?,?)
    ON CONFLICT(id) DO UPDATE SET
        title = excluded.title,
        body = excluded.body,
        published_at = excluded.published_at,
        updated_at = excluded.updated_at,
        synced_at = excluded.synced_at
`

func (r *announcementRepository) Upsert(ctx context.Context, a *announcement.Announcement) error {
	_, err := r.db.ExecContext(ctx, upsertAnnouncementSQL,
		a.ID.String(), a.Title, a.Body, unixPtr(a.PublishedAt),
		a.UpdatedAt.Unix(), unixPtr(a.SyncedAt),
	)
	if err != nil {
		return storageErr("upsert announcement", err)
	}
	return nil
}

func (r *announcementRepository) BatchUpsert(ctx context.Context, tx DBTX, as []announcement.Announcement) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	for i := range as {
		a := &as[i]
		_, err := execDB.ExecContext(ctx, upsertAnnouncementSQL,
			a.ID.String(), a.Title, a.Body, unixPtr(a.PublishedAt),
			a.UpdatedAt.Unix(), unixPtr(a.SyncedAt),
		)
		if err != nil {
			return storageErr("batch upsert announcement", err)
		}
	}
	return nil
}

func (r *announcementRepository) GetAll(ctx context.Context) ([]announcement.Announcement, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+announcementColumns+` FROM announcements ORDER BY updated_at DESC
    `)
	if err != nil {
		return nil, storageErr("list announcements", err)
	}
	defer rows.Close()
	return scanAnnouncements(rows)
}

func (r *announcementRepository) GetByID(ctx context.Context, id uuid.UUID) (announcement.Announcement, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+announcementColumns+` FROM announcements WHERE id = ?
    `, id.String())
	a, err := scanAnnouncement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return announcement.Announcement{}, steeple_errors.ErrNotFound
	}
	if err != nil {
		return announcement.Announcement{}, storageErr("get announcement", err)
	}
	return a, nil
}

func (r *announcementRepository) GetPublished(ctx context.Context, limit int) ([]announcement.Announcement, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+announcementColumns+` FROM announcements
        WHERE published_at IS NOT NULL
        ORDER BY published_at DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, storageErr("list published announcements", err)
	}
	defer rows.Close()
	return scanAnnouncements(rows)
}

func scanAnnouncement(row rowScanner) (announcement.Announcement, error) {
	var (
		a         announcement.Announcement
		id        string
		published sql.NullInt64
		updated   int64
		syncedAt  sql.NullInt64
	)
	if err := row.Scan(&id, &a.Title, &a.Body, &published, &updated, &syncedAt); err != nil {
		return announcement.Announcement{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return announcement.Announcement{}, err
	}
	a.ID = parsed
	a.PublishedAt = timePtrFromNull(published)
	a.UpdatedAt = timeFromUnix(updated)
	a.SyncedAt = timePtrFromNull(syncedAt)
	return a, nil
}

func scanAnnouncements(rows *sql.Rows) ([]announcement.Announcement, error) {
	var announcements []announcement.Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, storageErr("scan announcement", err)
		}
		announcements = append(announcements, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate announcements", err)
	}
	return announcements, nil
}
