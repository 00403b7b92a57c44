package event

import (
	"encoding/json"
	"time"
)

// Event kinds delivered on the client stream.
const (
	KindRecordCreated       = "record.created"
	KindRecordUpdated       = "record.updated"
	KindRecordDeleted       = "record.deleted"
	KindNotificationNew     = "notification.new"
	KindSubscriptionRevoked = "subscription.revoked"
)

// Event is an immutable description of something a subscribed client must
// observe: an accepted record mutation, a new notification, or the sentinel
// telling a session its subscription was revoked.
type Event struct {
	Kind     string `json:"kind"`
	TrackID  string `json:"track_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`

	// Version is the record version resulting from an accepted mutation.
	Version int64 `json:"version,omitempty"`

	// Seq is the contiguous per-track delivery sequence used by resync.
	Seq uint64 `json:"seq,omitempty"`

	ActorID   string          `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsRecordEvent reports whether the event describes a record mutation.
func (e Event) IsRecordEvent() bool {
	switch e.Kind {
	case KindRecordCreated, KindRecordUpdated, KindRecordDeleted:
		return true
	}
	return false
}
