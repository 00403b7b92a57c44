package record

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"pulseboard.org/internal/audit"
	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/event"
	"pulseboard.org/internal/ids"
	"pulseboard.org/internal/obs"
)

// Coordinator is the sole point where a record change is accepted or
// rejected. It serializes mutation attempts per record (critical section
// keyed by record id) while mutations on distinct records proceed fully
// concurrently, and compares the caller's base version against the current
// one before applying.
type Coordinator struct {
	store   Store
	history *guardedHistory
	sink    EventSink
	audit   *audit.Recorder
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Bounded replay of a failed history append before the track is marked
// damaged and resyncs across the loss start demanding a full refetch.
const appendAttempts = 3

const appendRetryDelay = 25 * time.Millisecond

// NewCoordinator wires the coordinator. The sink may be nil until the fan-out
// engine exists; SetSink installs it.
func NewCoordinator(store Store, history History, rec *audit.Recorder) *Coordinator {
	return &Coordinator{
		store:   store,
		history: newGuardedHistory(history),
		audit:   rec,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SetSink installs the fan-out engine. Split from the constructor because the
// engine needs the coordinator's history first.
func (c *Coordinator) SetSink(sink EventSink) { c.sink = sink }

// lockFor returns the critical-section mutex for one record.
func (c *Coordinator) lockFor(trackID, recordID string) *sync.Mutex {
	key := trackID + "/" + recordID
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Create inserts a new record at version 1 and emits record.created.
func (c *Coordinator) Create(ctx context.Context, actor Actor, trackID string, data []byte) (event.Event, error) {
	if strings.TrimSpace(trackID) == "" {
		return event.Event{}, fmt.Errorf("%w: track id is required", ErrInvalidInput)
	}
	if !actor.Allows(trackID, auth.PermissionEdit) {
		obs.MutationsTotal.WithLabelValues("denied").Inc()
		return event.Event{}, fmt.Errorf("%w: track %s", auth.ErrSubscriptionDenied, trackID)
	}

	now := c.now().UTC()
	rec := Record{
		ID:        ids.New(),
		TrackID:   trackID,
		Version:   1,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Commit happens inside the critical section, same as Apply and Delete,
	// so per-record ordering holds by construction.
	l := c.lockFor(trackID, rec.ID)
	l.Lock()
	defer l.Unlock()

	if err := c.store.Insert(ctx, rec); err != nil {
		obs.MutationsTotal.WithLabelValues("error").Inc()
		return event.Event{}, err
	}

	ev := event.Event{
		Kind:      event.KindRecordCreated,
		TrackID:   trackID,
		EntityID:  rec.ID,
		Version:   1,
		ActorID:   actor.Actor(),
		Payload:   rec.Data,
		Timestamp: now,
	}
	c.commit(ctx, &ev, nil, &rec)
	return ev, nil
}

// Apply applies a change to an existing record under optimistic concurrency
// control. On a stale base version it rejects with ErrVersionConflict and
// performs no state change; the caller must re-fetch and retry with the new
// base version. Conflicts are never auto-resolved.
func (c *Coordinator) Apply(ctx context.Context, actor Actor, trackID, recordID string, baseVersion int64, change []byte) (event.Event, error) {
	if strings.TrimSpace(trackID) == "" || strings.TrimSpace(recordID) == "" {
		return event.Event{}, fmt.Errorf("%w: track and record ids are required", ErrInvalidInput)
	}
	if !actor.Allows(trackID, auth.PermissionEdit) {
		obs.MutationsTotal.WithLabelValues("denied").Inc()
		return event.Event{}, fmt.Errorf("%w: track %s", auth.ErrSubscriptionDenied, trackID)
	}

	l := c.lockFor(trackID, recordID)
	l.Lock()
	defer l.Unlock()

	current, err := c.store.Get(ctx, trackID, recordID)
	if err != nil {
		obs.MutationsTotal.WithLabelValues("error").Inc()
		return event.Event{}, err
	}
	if current.Version != baseVersion {
		obs.MutationsTotal.WithLabelValues("conflict").Inc()
		return event.Event{}, fmt.Errorf("%w: base %d, current %d", ErrVersionConflict, baseVersion, current.Version)
	}

	before := current
	updated := current
	updated.Version = current.Version + 1
	updated.Data = change
	updated.UpdatedAt = c.now().UTC()

	if err := c.store.Update(ctx, updated); err != nil {
		obs.MutationsTotal.WithLabelValues("error").Inc()
		return event.Event{}, err
	}

	ev := event.Event{
		Kind:      event.KindRecordUpdated,
		TrackID:   trackID,
		EntityID:  recordID,
		Version:   updated.Version,
		ActorID:   actor.Actor(),
		Payload:   updated.Data,
		Timestamp: updated.UpdatedAt,
	}
	c.commit(ctx, &ev, &before, &updated)
	return ev, nil
}

// Delete removes a record, also version-checked so a concurrent edit is not
// silently discarded. Emits record.deleted.
func (c *Coordinator) Delete(ctx context.Context, actor Actor, trackID, recordID string, baseVersion int64) (event.Event, error) {
	if !actor.Allows(trackID, auth.PermissionEdit) {
		obs.MutationsTotal.WithLabelValues("denied").Inc()
		return event.Event{}, fmt.Errorf("%w: track %s", auth.ErrSubscriptionDenied, trackID)
	}

	l := c.lockFor(trackID, recordID)
	l.Lock()
	defer l.Unlock()

	current, err := c.store.Get(ctx, trackID, recordID)
	if err != nil {
		obs.MutationsTotal.WithLabelValues("error").Inc()
		return event.Event{}, err
	}
	if current.Version != baseVersion {
		obs.MutationsTotal.WithLabelValues("conflict").Inc()
		return event.Event{}, fmt.Errorf("%w: base %d, current %d", ErrVersionConflict, baseVersion, current.Version)
	}

	if err := c.store.Delete(ctx, trackID, recordID); err != nil {
		obs.MutationsTotal.WithLabelValues("error").Inc()
		return event.Event{}, err
	}

	ev := event.Event{
		Kind:      event.KindRecordDeleted,
		TrackID:   trackID,
		EntityID:  recordID,
		Version:   current.Version + 1,
		ActorID:   actor.Actor(),
		Timestamp: c.now().UTC(),
	}
	c.commit(ctx, &ev, &current, nil)
	c.forgetLock(trackID, recordID)
	return ev, nil
}

// forgetLock drops the per-record mutex once the record is gone, keeping the
// lock table from growing with every record ever touched. A racer still
// holding the old mutex can only observe ErrNotFound; record ids are never
// reused.
func (c *Coordinator) forgetLock(trackID, recordID string) {
	c.mu.Lock()
	delete(c.locks, trackID+"/"+recordID)
	c.mu.Unlock()
}

// Get returns current record state, for conflict recovery re-fetches.
func (c *Coordinator) Get(ctx context.Context, actor Actor, trackID, recordID string) (Record, error) {
	if !actor.Allows(trackID, auth.PermissionView) {
		return Record{}, fmt.Errorf("%w: track %s", auth.ErrSubscriptionDenied, trackID)
	}
	return c.store.Get(ctx, trackID, recordID)
}

// History exposes the durable event log to the fan-out engine's resync path.
func (c *Coordinator) History() History { return c.history }

// commit finishes an accepted mutation: history append (assigns the track
// sequence), fan-out, audit. The mutation already succeeded, so failures here
// are surfaced to monitoring, never back into the record state.
func (c *Coordinator) commit(ctx context.Context, ev *event.Event, before, after *Record) {
	obs.MutationsTotal.WithLabelValues("accepted").Inc()

	if err := c.appendEvent(ctx, ev); err != nil {
		// The record version already advanced, so the durable history is now
		// missing an accepted mutation. Mark the track damaged: resyncs that
		// span this point answer ErrResyncRequired instead of a silent gap.
		c.history.markLost(ctx, ev.TrackID)
		obs.HistoryAppendFailures.Inc()
		obs.Log("error", "event history append failed, track marked for full resync", map[string]any{
			"track": ev.TrackID,
			"error": err.Error(),
		})
	}

	if c.sink != nil {
		c.sink.Publish(ctx, ev.TrackID, *ev)
	}

	entry := audit.Entry{
		EntityType: "record",
		EntityID:   ev.EntityID,
		TrackID:    ev.TrackID,
		ActorID:    ev.ActorID,
		OccurredAt: ev.Timestamp,
	}
	if before != nil {
		entry.Before, _ = json.Marshal(before)
	}
	if after != nil {
		entry.After, _ = json.Marshal(after)
	}
	// Record never silently retries into a different entry; failure is
	// logged and counted inside the recorder.
	_ = c.audit.Record(ctx, entry)
}

// appendEvent retries a failed history append a bounded number of times so a
// transient store hiccup does not cost the at-least-once commit guarantee.
func (c *Coordinator) appendEvent(ctx context.Context, ev *event.Event) error {
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(appendRetryDelay)
		}
		if err = c.history.Append(ctx, ev); err == nil {
			return nil
		}
	}
	return err
}
