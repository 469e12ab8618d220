package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the framing every pushed event arrives in, whether over
// the websocket or the SSE fallback.
type Envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	TenantID  string          `json:"tenantId,omitempty"`
}

// ParseEnvelope decodes one raw frame. The payload stays raw until
// Decode is called, so an unknown type can still be counted and
// skipped without failing the whole stream.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed event frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("event frame missing type")
	}
	return env, nil
}

// Decode returns the typed payload for the envelope. Unknown types
// return an error so the caller can drop the frame and keep reading.
func (e Envelope) Decode() (interface{}, error) {
	switch e.Type {
	case MemberCreated, MemberUpdated, MemberDeleted:
		var p MemberPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case EventCreated, EventUpdated, EventCancelled:
		var p EventPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case AnnouncementPublished, AnnouncementUpdated:
		var p AnnouncementPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case AttendanceCreated:
		var p AttendancePayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case SyncRequested:
		var p SyncRequestPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}
