package attendance

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the record's own lifecycle, separate from the outbox
// item that carries it. A record is created pending and flipped to
// synced when the outbox item it is linked to is acknowledged.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Record is a locally originated check-in. Uniqueness on
// (MemberID, EventID) is enforced before any outbox item is created.
type Record struct {
	ID           uuid.UUID
	MemberID     uuid.UUID
	EventID      uuid.UUID
	CheckedInAt  time.Time
	SyncStatus   SyncStatus
	OutboxItemID *uuid.UUID
	UpdatedAt    time.Time
	SyncedAt     *time.Time
}
