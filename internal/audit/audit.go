package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulseboard.org/internal/ids"
	"pulseboard.org/internal/obs"
)

// Entry is an immutable record of one accepted mutation: who did it, what the
// entity looked like before and after, where and when. Never mutated or
// deleted once written.
type Entry struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	TrackID    string          `json:"track_id"`
	ActorID    string          `json:"actor_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Filter selects entries by entity, track and time range. Zero fields match
// everything.
type Filter struct {
	EntityType string
	EntityID   string
	TrackID    string
	From       time.Time
	To         time.Time
}

// Store persists entries append-only.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Recorder appends audit entries for accepted mutations. It never rejects a
// well-formed entry; a persistence failure is fatal for that entry and is
// surfaced to operational monitoring rather than silently retried into a
// different entry.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder constructs a Recorder over the given store.
func NewRecorder(store Store) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	return &Recorder{store: store, now: time.Now}, nil
}

// Record appends the entry, assigning id and timestamp when absent.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.EntityType) == "" || strings.TrimSpace(entry.EntityID) == "" {
		return fmt.Errorf("audit: entity type and id are required")
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if err := r.store.Append(ctx, &entry); err != nil {
		obs.AuditFailures.Inc()
		obs.Log("error", "audit append failed", map[string]any{
			"type":     "audit",
			"entity":   entry.EntityType + "/" + entry.EntityID,
			"track_id": entry.TrackID,
			"error":    err.Error(),
		})
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// Query returns entries matching the filter, ordered by occurrence time.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return r.store.Query(ctx, f)
}
