package announcement

import (
	"time"

	"github.com/google/uuid"
)

// Announcement is the cached copy of a server-side announcement.
type Announcement struct {
	ID          uuid.UUID
	Title       string
	Body        string
	PublishedAt *time.Time
	UpdatedAt   time.Time
	SyncedAt    *time.Time
}

// IsPublished reports whether the announcement has been published.
func (a Announcement) IsPublished() bool {
	return a.PublishedAt != nil
}
