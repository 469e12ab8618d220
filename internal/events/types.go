package events

// Type identifies a realtime event pushed by the server.
type Type string

const (
	MemberCreated Type = "member.created"
	MemberUpdated Type = "member.updated"
	MemberDeleted Type = "member.deleted"

	EventCreated   Type = "event.created"
	EventUpdated   Type = "event.updated"
	EventCancelled Type = "event.cancelled"

	AnnouncementPublished Type = "announcement.published"
	AnnouncementUpdated   Type = "announcement.updated"

	AttendanceCreated Type = "attendance.created"

	SyncRequested Type = "sync.requested"
)

// Payload shapes carried inside an envelope's data field.

type MemberPayload struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

type EventPayload struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	StartsAt    string  `json:"startsAt"`
	EndsAt      *string `json:"endsAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type AnnouncementPayload struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	PublishedAt *string `json:"publishedAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type AttendancePayload struct {
	ID          string `json:"id"`
	MemberID    string `json:"memberId"`
	EventID     string `json:"eventId"`
	CheckedInAt string `json:"checkedInAt"`
}

type SyncRequestPayload struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}
