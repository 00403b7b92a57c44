package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/event"
	"pulseboard.org/internal/obs"
	"pulseboard.org/internal/record"
	"pulseboard.org/internal/session"

	"github.com/google/uuid"
)

var (
	ErrDeliveryFailure = errors.New("fanout: delivery failure")
	ErrNotFound        = errors.New("fanout: not found")
)

// Notification is addressed to one user and lives in the unread ledger until
// acknowledged or deleted.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// NotificationStore persists the per-user ledger with explicit unread->read
// transitions. Insert is idempotent keyed by notification id and reports
// whether the entry is new.
type NotificationStore interface {
	Insert(ctx context.Context, n Notification) (bool, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID, id string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
	List(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error)
}

// Membership is the registry surface the engine addresses deliveries with.
type Membership interface {
	Members(trackID string) []*session.Session
	IsMember(trackID, sessionID string) bool
}

// Sessions locates live sessions for direct user-addressed delivery.
type Sessions interface {
	SessionsForUser(userID string) []*session.Session
}

// Engine delivers accepted-mutation events to current room members and
// maintains the per-user notification ledger.
type Engine struct {
	rooms    Membership
	sessions Sessions
	history  record.History
	store    NotificationStore

	maxAttempts int
	retryDelay  time.Duration

	// terminate tears down a session that stopped draining deliveries,
	// same cleanup as an explicit disconnect. Wired to the session manager.
	terminate func(sessionID string)
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithRetry overrides the bounded delivery retry policy.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
		if delay > 0 {
			e.retryDelay = delay
		}
	}
}

// WithTerminator wires lost-session teardown.
func WithTerminator(fn func(sessionID string)) Option {
	return func(e *Engine) { e.terminate = fn }
}

// NewEngine constructs the fan-out engine.
func NewEngine(rooms Membership, sessions Sessions, history record.History, store NotificationStore, opts ...Option) *Engine {
	e := &Engine{
		rooms:       rooms,
		sessions:    sessions,
		history:     history,
		store:       store,
		maxAttempts: 3,
		retryDelay:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Publish delivers the event to every session currently joined to the track.
// Addressing uses a point-in-time membership snapshot; membership is
// re-checked immediately before each send so a session that already left
// never receives the event (the never-leak invariant wins over completeness).
func (e *Engine) Publish(ctx context.Context, trackID string, ev event.Event) {
	for _, s := range e.rooms.Members(trackID) {
		if !e.rooms.IsMember(trackID, s.ID) {
			continue
		}
		if s.Send(ev) {
			obs.EventsDelivered.WithLabelValues(ev.Kind).Inc()
			continue
		}
		go e.redeliver(trackID, s, ev)
	}
}

// redeliver retries a failed send with fixed backoff up to the bounded
// attempt count, then treats the session as lost.
func (e *Engine) redeliver(trackID string, s *session.Session, ev event.Event) {
	for attempt := 1; attempt < e.maxAttempts; attempt++ {
		time.Sleep(e.retryDelay)
		if trackID != "" && !e.rooms.IsMember(trackID, s.ID) {
			return
		}
		if s.Send(ev) {
			obs.EventsDelivered.WithLabelValues(ev.Kind).Inc()
			return
		}
	}
	obs.DeliveriesDropped.Inc()
	obs.Log("warn", "delivery retries exhausted, tearing session down", map[string]any{
		"session": s.ID,
		"kind":    ev.Kind,
	})
	if e.terminate != nil {
		e.terminate(s.ID)
	}
}

// Notify records a notification for the user and pushes notification.new to
// their live sessions. Idempotent keyed by notification id: redelivery never
// creates a duplicate unread entry.
func (e *Engine) Notify(ctx context.Context, userID string, n Notification) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("fanout: user id is required")
	}
	n.UserID = userID
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	inserted, err := e.store.Insert(ctx, n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	if !inserted {
		return nil
	}

	ev := event.Event{
		Kind:      event.KindNotificationNew,
		EntityID:  n.ID,
		Payload:   n.Payload,
		Timestamp: n.CreatedAt,
	}
	for _, s := range e.sessions.SessionsForUser(userID) {
		if s.Send(ev) {
			obs.EventsDelivered.WithLabelValues(ev.Kind).Inc()
		} else {
			go e.redeliver("", s, ev)
		}
	}
	return nil
}

// MarkRead flips one notification to read. Idempotent.
func (e *Engine) MarkRead(ctx context.Context, userID, id string) error {
	return e.store.MarkRead(ctx, userID, id)
}

// MarkAllRead flips every unread notification for the user. Idempotent:
// a second application leaves state unchanged.
func (e *Engine) MarkAllRead(ctx context.Context, userID string) error {
	return e.store.MarkAllRead(ctx, userID)
}

// Delete removes a notification on explicit user action.
func (e *Engine) Delete(ctx context.Context, userID, id string) error {
	return e.store.Delete(ctx, userID, id)
}

// UnreadCount returns the count of notifications with the read flag false.
func (e *Engine) UnreadCount(ctx context.Context, userID string) (int, error) {
	return e.store.UnreadCount(ctx, userID)
}

// List returns the user's notifications, optionally unread only.
func (e *Engine) List(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	return e.store.List(ctx, userID, unreadOnly)
}

// Resync returns exactly the events for the track after the last sequence the
// client observed, in increasing order with no gaps or duplicates. When the
// history needed to satisfy that window has been discarded, it returns
// record.ErrResyncRequired so the client performs a full state refetch
// instead of silently missing events.
func (e *Engine) Resync(ctx context.Context, s *session.Session, trackID string, lastSeen uint64) ([]event.Event, error) {
	if !s.Allows(trackID, auth.PermissionView) {
		return nil, fmt.Errorf("%w: track %s", auth.ErrSubscriptionDenied, trackID)
	}
	return e.history.Since(ctx, trackID, lastSeen)
}
