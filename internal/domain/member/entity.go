package member

import (
	"time"

	"github.com/google/uuid"
)

// Member is the cached copy of a server-side member record. The server
// owns UpdatedAt; SyncedAt is set locally when the row was last
// reconciled with the server.
type Member struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Status    string
	UpdatedAt time.Time
	SyncedAt  *time.Time
}

// FullName returns the display name used by search ranking.
func (m Member) FullName() string {
	if m.FirstName == "" {
		return m.LastName
	}
	if m.LastName == "" {
		return m.FirstName
	}
	return m.FirstName + " " + m.LastName
}
