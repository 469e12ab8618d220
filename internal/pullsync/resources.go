package pullsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steeple-sync/internal/domain/announcement"
	"steeple-sync/internal/domain/cursor"
	"steeple-sync/internal/domain/event"
	"steeple-sync/internal/domain/member"
	"steeple-sync/internal/repository"
	"steeple-sync/pkg/logger"
)

// Wire shapes as the server sends them. Timestamps are RFC 3339.

type memberDTO struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

type eventDTO struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	StartsAt    string  `json:"startsAt"`
	EndsAt      *string `json:"endsAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type announcementDTO struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	PublishedAt *string `json:"publishedAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseTimePtr(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := parseTime(*raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func NewMemberSyncer(client puller, db repository.DBTX, cursors repository.CursorRepository, members repository.MemberRepository, log *logger.Logger, limit int) *Syncer {
	apply := func(ctx context.Context, tx repository.DBTX, rows []json.RawMessage) (int, error) {
		now := time.Now()
		batch := make([]member.Member, 0, len(rows))
		for _, row := range rows {
			var dto memberDTO
			if err := json.Unmarshal(row, &dto); err != nil {
				return 0, fmt.Errorf("decode member: %w", err)
			}
			id, err := parseID(dto.ID)
			if err != nil {
				return 0, err
			}
			updatedAt, err := parseTime(dto.UpdatedAt)
			if err != nil {
				return 0, err
			}
			syncedAt := now
			batch = append(batch, member.Member{
				ID:        id,
				FirstName: dto.FirstName,
				LastName:  dto.LastName,
				Email:     dto.Email,
				Phone:     dto.Phone,
				Status:    dto.Status,
				UpdatedAt: updatedAt,
				SyncedAt:  &syncedAt,
			})
		}
		if err := members.BatchUpsert(ctx, tx, batch); err != nil {
			return 0, err
		}
		return len(batch), nil
	}
	return newSyncer(cursor.ResourceMembers, "/members", client, db, cursors, apply, log, limit)
}

func NewEventSyncer(client puller, db repository.DBTX, cursors repository.CursorRepository, events repository.EventRepository, log *logger.Logger, limit int) *Syncer {
	apply := func(ctx context.Context, tx repository.DBTX, rows []json.RawMessage) (int, error) {
		now := time.Now()
		batch := make([]event.Event, 0, len(rows))
		for _, row := range rows {
			var dto eventDTO
			if err := json.Unmarshal(row, &dto); err != nil {
				return 0, fmt.Errorf("decode event: %w", err)
			}
			id, err := parseID(dto.ID)
			if err != nil {
				return 0, err
			}
			startsAt, err := parseTime(dto.StartsAt)
			if err != nil {
				return 0, err
			}
			endsAt, err := parseTimePtr(dto.EndsAt)
			if err != nil {
				return 0, err
			}
			updatedAt, err := parseTime(dto.UpdatedAt)
			if err != nil {
				return 0, err
			}
			syncedAt := now
			batch = append(batch, event.Event{
				ID:          id,
				Title:       dto.Title,
				Description: dto.Description,
				Location:    dto.Location,
				StartsAt:    startsAt,
				EndsAt:      endsAt,
				UpdatedAt:   updatedAt,
				SyncedAt:    &syncedAt,
			})
		}
		if err := events.BatchUpsert(ctx, tx, batch); err != nil {
			return 0, err
		}
		return len(batch), nil
	}
	return newSyncer(cursor.ResourceEvents, "/events", client, db, cursors, apply, log, limit)
}

func NewAnnouncementSyncer(client puller, db repository.DBTX, cursors repository.CursorRepository, announcements repository.AnnouncementRepository, log *logger.Logger, limit int) *Syncer {
	apply := func(ctx context.Context, tx repository.DBTX, rows []json.RawMessage) (int, error) {
		now := time.Now()
		batch := make([]announcement.Announcement, 0, len(rows))
		for _, row := range rows {
			var dto announcementDTO
			if err := json.Unmarshal(row, &dto); err != nil {
				return 0, fmt.Errorf("decode announcement: %w", err)
			}
			id, err := parseID(dto.ID)
			if err != nil {
				return 0, err
			}
			publishedAt, err := parseTimePtr(dto.PublishedAt)
			if err != nil {
				return 0, err
			}
			updatedAt, err := parseTime(dto.UpdatedAt)
			if err != nil {
				return 0, err
			}
			syncedAt := now
			batch = append(batch, announcement.Announcement{
				ID:          id,
				Title:       dto.Title,
				Body:        dto.Body,
				PublishedAt: publishedAt,
				UpdatedAt:   updatedAt,
				SyncedAt:    &syncedAt,
			})
		}
		if err := announcements.BatchUpsert(ctx, tx, batch); err != nil {
			return 0, err
		}
		return len(batch), nil
	}
	return newSyncer(cursor.ResourceAnnouncements, "/announcements", client, db, cursors, apply, log, limit)
}
