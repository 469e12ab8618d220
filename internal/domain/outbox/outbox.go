package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the processing state of an outbox item.
// Transitions are monotonic: pending -> synced or pending -> failed.
// Only an explicit user retry moves failed back to pending.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Item is a durable pending write. The idempotency key is generated
// exactly once at enqueue time and never regenerated across retries.
type Item struct {
	ID             uuid.UUID
	Endpoint       string
	Method         string
	Payload        []byte
	IdempotencyKey string
	Status         Status
	RetryCount     int
	LinkedRecordID *uuid.UUID
	CreatedAt      time.Time
	LastAttemptAt  *time.Time
	NextRetryAt    *time.Time
	ErrorMessage   string
}

// NewItem builds a pending item. This is the only place an
// idempotency key is ever generated for a write.
func NewItem(endpoint, method string, payload []byte, linkedRecordID *uuid.UUID, now time.Time) *Item {
	return &Item{
		ID:             uuid.New(),
		Endpoint:       endpoint,
		Method:         method,
		Payload:        payload,
		IdempotencyKey: uuid.NewString(),
		Status:         StatusPending,
		LinkedRecordID: linkedRecordID,
		CreatedAt:      now,
	}
}

// Terminal reports whether the item has left the pending state.
func (i Item) Terminal() bool {
	return i.Status == StatusSynced || i.Status == StatusFailed
}

// QueueStatus summarizes the outbox for UI display.
type QueueStatus struct {
	Pending       int        `json:"pending"`
	Synced        int        `json:"synced"`
	Failed        int        `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}
