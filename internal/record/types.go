package record

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/event"
)

// Record is a versioned unit of work belonging to exactly one track. Version
// starts at 1 and advances by exactly one on every accepted mutation; it is
// never decremented or reused.
type Record struct {
	ID        string          `json:"id"`
	TrackID   string          `json:"track_id"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

var (
	ErrNotFound        = errors.New("record: not found")
	ErrVersionConflict = errors.New("record: version conflict")
	ErrResyncRequired  = errors.New("record: resync required")
	ErrInvalidInput    = errors.New("record: invalid input")
)

// Store persists current record state and version by id.
type Store interface {
	Get(ctx context.Context, trackID, recordID string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, trackID, recordID string) error
}

// History is the durable mutation event log backing resync. Append assigns
// the contiguous per-track sequence; Since returns exactly the events with a
// sequence greater than `after`, in increasing order, or ErrResyncRequired
// when that window has been discarded.
type History interface {
	Append(ctx context.Context, ev *event.Event) error
	Since(ctx context.Context, trackID string, after uint64) ([]event.Event, error)
	Latest(ctx context.Context, trackID string) (uint64, error)
}

// Actor is the authenticated caller of a mutation: a live session.
type Actor interface {
	Actor() string
	Allows(trackID string, perm auth.Permission) bool
}

// EventSink receives accepted-mutation events for fan-out.
type EventSink interface {
	Publish(ctx context.Context, trackID string, ev event.Event)
}
