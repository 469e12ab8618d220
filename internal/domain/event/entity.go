package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is the cached copy of a server-side calendar event
// (service, bible study, outreach, ...).
type Event struct {
	ID          uuid.UUID
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      *time.Time
	UpdatedAt   time.Time
	SyncedAt    *time.Time
}

// IsUpcoming reports whether the event starts at or after now.
func (e Event) IsUpcoming(now time.Time) bool {
	return !e.StartsAt.Before(now)
}
