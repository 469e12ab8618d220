package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/event"
	steeple_errors "steeple-sync/pkg/errors"
)

type eventRepository struct {
	db DBTX
}

func NewEventRepository(db DBTX) EventRepository {
	return &eventRepository{db: db}
}

const eventColumns = "id, title, description, location, starts_at, ends_at, updated_at, synced_at"

const upsertEventSQL = `
    INSERT INTO events (id, title, description, location, starts_at, ends_at, updated_at, synced_at)
    VALUES (?,?,?,?,?,?,?,?)
    ON CONFLICT(id) DO UPDATE SET
        title = excluded.title,
        description = excluded.description,
        location = excluded.location,
        starts_at = excluded.starts_at,
        ends_at = excluded.ends_at,
        updated_at = excluded.updated_at,
        synced_at = excluded.synced_at
`

func (r *eventRepository) Upsert(ctx context.Context, e *event.Event) error {
	_, err := r.db.ExecContext(ctx, upsertEventSQL,
		e.ID.String(), e.Title, e.Description, e.Location,
		e.StartsAt.Unix(), unixPtr(e.EndsAt), e.UpdatedAt.Unix(), unixPtr(e.SyncedAt),
	)
	if err != nil {
		return storageErr("upsert event", err)
	}
	return nil
}

func (r *eventRepository) BatchUpsert(ctx context.Context, tx DBTX, es []event.Event) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	for i := range es {
		e := &es[i]
		_, err := execDB.ExecContext(ctx, upsertEventSQL,
			e.ID.String(), e.Title, e.Description, e.Location,
			e.StartsAt.Unix(), unixPtr(e.EndsAt), e.UpdatedAt.Unix(), unixPtr(e.SyncedAt),
		)
		if err != nil {
			return storageErr("batch upsert event", err)
		}
	}
	return nil
}

func (r *eventRepository) GetAll(ctx context.Context) ([]event.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+eventColumns+` FROM events ORDER BY starts_at
    `)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *eventRepository) GetByID(ctx context.Context, id uuid.UUID) (event.Event, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+eventColumns+` FROM events WHERE id = ?
    `, id.String())
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, steeple_errors.ErrNotFound
	}
	if err != nil {
		return event.Event{}, storageErr("get event", err)
	}
	return e, nil
}

func (r *eventRepository) GetUpcoming(ctx context.Context, now time.Time, limit int) ([]event.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+eventColumns+` FROM events
        WHERE starts_at >= ?
        ORDER BY starts_at
        LIMIT ?
    `, now.Unix(), limit)
	if err != nil {
		return nil, storageErr("list upcoming events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *eventRepository) Search(ctx context.Context, term string) ([]event.Event, error) {
	prefix := term + "%"
	substr := "%" + term + "%"
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+eventColumns+` FROM events
        WHERE title LIKE ?2 OR location LIKE ?2
        ORDER BY
            CASE WHEN title LIKE ?1 THEN 0 ELSE 1 END,
            starts_at
    `, prefix, substr)
	if err != nil {
		return nil, storageErr("search events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		e        event.Event
		id       string
		starts   int64
		ends     sql.NullInt64
		updated  int64
		syncedAt sql.NullInt64
	)
	if err := row.Scan(&id, &e.Title, &e.Description, &e.Location, &starts, &ends, &updated, &syncedAt); err != nil {
		return event.Event{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return event.Event{}, err
	}
	e.ID = parsed
	e.StartsAt = timeFromUnix(starts)
	e.EndsAt = timePtrFromNull(ends)
	e.UpdatedAt = timeFromUnix(updated)
	e.SyncedAt = timePtrFromNull(syncedAt)
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}
	return events, nil
}
