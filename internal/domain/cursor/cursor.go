package cursor

import "time"

// Resource names a pull-synced resource type.
type Resource string

const (
	ResourceMembers       Resource = "members"
	ResourceEvents        Resource = "events"
	ResourceAnnouncements Resource = "announcements"
)

// Cursor tracks incremental sync position for one resource. It is only
// ever written in the same transaction as the data it describes, so a
// crash cannot leave the cursor ahead of (or behind) the cache.
type Cursor struct {
	Resource   Resource
	LastETag   string
	LastCursor string
	LastSyncAt time.Time
}
