package record

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"pulseboard.org/internal/audit"
	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/event"
)

// fakeActor stands in for a live session.
type fakeActor struct {
	id    string
	perms map[string][]auth.Permission
}

func (a fakeActor) Actor() string { return a.id }

func (a fakeActor) Allows(trackID string, perm auth.Permission) bool {
	for _, p := range a.perms[trackID] {
		if p == perm {
			return true
		}
	}
	return false
}

func editor(id string, tracks ...string) fakeActor {
	perms := make(map[string][]auth.Permission)
	for _, tr := range tracks {
		perms[tr] = []auth.Permission{auth.PermissionView, auth.PermissionEdit}
	}
	return fakeActor{id: id, perms: perms}
}

type collectingSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *collectingSink) Publish(ctx context.Context, trackID string, ev event.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func newCoordinator(t *testing.T) (*Coordinator, *MemoryHistory, *collectingSink, *audit.MemoryStore) {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	recorder, err := audit.NewRecorder(auditStore)
	if err != nil {
		t.Fatal(err)
	}
	history := NewMemoryHistory()
	c := NewCoordinator(NewMemoryStore(), history, recorder)
	sink := &collectingSink{}
	c.SetSink(sink)
	return c, history, sink, auditStore
}

func TestCreateApplyDeleteFlow(t *testing.T) {
	c, _, sink, auditStore := newCoordinator(t)
	ctx := context.Background()
	actor := editor("user-1", "track-a")

	created, err := c.Create(ctx, actor, "track-a", json.RawMessage(`{"title":"a"}`))
	if err != nil {
		t.Fatal(err)
	}
	if created.Kind != event.KindRecordCreated || created.Version != 1 || created.Seq != 1 {
		t.Fatalf("unexpected create event: %+v", created)
	}

	updated, err := c.Apply(ctx, actor, "track-a", created.EntityID, 1, json.RawMessage(`{"title":"b"}`))
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 || updated.Seq != 2 {
		t.Fatalf("unexpected update event: %+v", updated)
	}

	rec, err := c.Get(ctx, actor, "track-a", created.EntityID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 || string(rec.Data) != `{"title":"b"}` {
		t.Fatalf("unexpected record state: %+v", rec)
	}

	deleted, err := c.Delete(ctx, actor, "track-a", created.EntityID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if deleted.Kind != event.KindRecordDeleted || deleted.Seq != 3 {
		t.Fatalf("unexpected delete event: %+v", deleted)
	}
	if _, err := c.Get(ctx, actor, "track-a", created.EntityID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	sink.mu.Lock()
	published := len(sink.events)
	sink.mu.Unlock()
	if published != 3 {
		t.Fatalf("published %d events, want 3", published)
	}

	entries, err := auditStore.Query(ctx, audit.Filter{EntityType: "record", EntityID: created.EntityID})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(entries))
	}
	// Create has no before, delete has no after.
	if entries[0].Before != nil || entries[0].After == nil {
		t.Fatalf("create entry before/after wrong: %+v", entries[0])
	}
	if entries[2].Before == nil || entries[2].After != nil {
		t.Fatalf("delete entry before/after wrong: %+v", entries[2])
	}
}

func TestApplyRejectsStaleBaseVersion(t *testing.T) {
	c, _, _, _ := newCoordinator(t)
	ctx := context.Background()
	actor := editor("user-1", "track-a")

	created, err := c.Create(ctx, actor, "track-a", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Apply(ctx, actor, "track-a", created.EntityID, 1, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	// Same base again: record moved to version 2 meanwhile.
	_, err = c.Apply(ctx, actor, "track-a", created.EntityID, 1, json.RawMessage(`{"n":2}`))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	rec, err := c.Get(ctx, actor, "track-a", created.EntityID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 || string(rec.Data) != `{"n":1}` {
		t.Fatalf("rejected mutation changed state: %+v", rec)
	}
}

func TestApplyDeniedWithoutEditGrant(t *testing.T) {
	c, _, sink, _ := newCoordinator(t)
	ctx := context.Background()

	created, err := c.Create(ctx, editor("user-1", "track-a"), "track-a", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	viewer := fakeActor{id: "user-2", perms: map[string][]auth.Permission{
		"track-a": {auth.PermissionView},
	}}
	_, err = c.Apply(ctx, viewer, "track-a", created.EntityID, 1, json.RawMessage(`{"x":1}`))
	if !errors.Is(err, auth.ErrSubscriptionDenied) {
		t.Fatalf("expected ErrSubscriptionDenied, got %v", err)
	}

	sink.mu.Lock()
	published := len(sink.events)
	sink.mu.Unlock()
	if published != 1 {
		t.Fatalf("denied mutation published an event: %d", published)
	}
}

func TestConcurrentSameBaseHasOneWinner(t *testing.T) {
	c, history, _, _ := newCoordinator(t)
	ctx := context.Background()
	actor := editor("user-1", "track-a")

	created, err := c.Create(ctx, actor, "track-a", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, conflicted int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Apply(ctx, actor, "track-a", created.EntityID, 1, json.RawMessage(`{"n":1}`))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrVersionConflict):
				conflicted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || conflicted != n-1 {
		t.Fatalf("accepted=%d conflicted=%d, want 1/%d", accepted, conflicted, n-1)
	}

	rec, err := c.Get(ctx, actor, "track-a", created.EntityID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 {
		t.Fatalf("version = %d, want 2", rec.Version)
	}

	// History stays contiguous: create + exactly one update.
	events, err := history.Since(ctx, "track-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("history length = %d, want 2", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("gap in history at %d: seq %d", i, ev.Seq)
		}
	}
}

func TestConcurrentDistinctRecordsAllWin(t *testing.T) {
	c, _, _, _ := newCoordinator(t)
	ctx := context.Background()
	actor := editor("user-1", "track-a")

	ids := make([]string, 8)
	for i := range ids {
		ev, err := c.Create(ctx, actor, "track-a", json.RawMessage(`{"n":0}`))
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = ev.EntityID
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := c.Apply(ctx, actor, "track-a", id, 1, json.RawMessage(`{"n":1}`)); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

// flakyHistory fails a configured number of appends before recovering.
type flakyHistory struct {
	*MemoryHistory
	mu   sync.Mutex
	fail int
}

func (h *flakyHistory) setFail(n int) {
	h.mu.Lock()
	h.fail = n
	h.mu.Unlock()
}

func (h *flakyHistory) Append(ctx context.Context, ev *event.Event) error {
	h.mu.Lock()
	if h.fail > 0 {
		h.fail--
		h.mu.Unlock()
		return errors.New("history unavailable")
	}
	h.mu.Unlock()
	return h.MemoryHistory.Append(ctx, ev)
}

func newFlakyCoordinator(t *testing.T) (*Coordinator, *flakyHistory) {
	t.Helper()
	recorder, err := audit.NewRecorder(audit.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	flaky := &flakyHistory{MemoryHistory: NewMemoryHistory()}
	c := NewCoordinator(NewMemoryStore(), flaky, recorder)
	c.SetSink(&collectingSink{})
	return c, flaky
}

func TestTransientHistoryFailureIsRetried(t *testing.T) {
	c, flaky := newFlakyCoordinator(t)
	ctx := context.Background()
	actor := editor("user-1", "track-a")

	created, err := c.Create(ctx, actor, "track-a", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatal(err)
	}
	flaky.setFail(1)
	if _, err := c.Apply(ctx, actor, "track-a", created.EntityID, 1, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	events, err := c.History().Since(ctx, "track-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Seq != 2 || events[1].Version != 2 {
		t.Fatalf("unexpected history after retried append: %+v", events)
	}
}

func TestLostHistoryEventForcesResync(t *testing.T) {
	c, flaky := newFlakyCoordinator(t)
	ctx := context.Background()
	actor := editor("user-1", "track-a")

	created, err := c.Create(ctx, actor, "track-a", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatal(err)
	}
	// Every retry for the next commit fails, so the accepted v2 mutation
	// never reaches the history while the record still advances.
	flaky.setFail(appendAttempts)
	if _, err := c.Apply(ctx, actor, "track-a", created.EntityID, 1, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Apply(ctx, actor, "track-a", created.EntityID, 2, json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatal(err)
	}

	// A client at seq 1 would receive v3 with v2 silently missing; it must
	// be told to refetch instead.
	if _, err := c.History().Since(ctx, "track-a", 1); !errors.Is(err, ErrResyncRequired) {
		t.Fatalf("expected ErrResyncRequired across the loss, got %v", err)
	}
	if _, err := c.History().Since(ctx, "track-a", 0); !errors.Is(err, ErrResyncRequired) {
		t.Fatalf("expected ErrResyncRequired from the start, got %v", err)
	}

	// Events appended after the loss carry post-loss state; a client caught
	// up past the damage resyncs normally.
	events, err := c.History().Since(ctx, "track-a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("unexpected window past the damage: %+v", events)
	}
}

func TestDeleteReleasesRecordLock(t *testing.T) {
	c, _, _, _ := newCoordinator(t)
	ctx := context.Background()
	actor := editor("user-1", "track-a")

	created, err := c.Create(ctx, actor, "track-a", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Delete(ctx, actor, "track-a", created.EntityID, 1); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	_, held := c.locks["track-a/"+created.EntityID]
	c.mu.Unlock()
	if held {
		t.Fatal("per-record lock survived delete")
	}
}

func TestHistoryTrimForcesResync(t *testing.T) {
	c, history, _, _ := newCoordinator(t)
	ctx := context.Background()
	actor := editor("user-1", "track-a")

	created, err := c.Create(ctx, actor, "track-a", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 5; i++ {
		if _, err := c.Apply(ctx, actor, "track-a", created.EntityID, i, json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	history.Trim("track-a", 2)

	if _, err := history.Since(ctx, "track-a", 1); !errors.Is(err, ErrResyncRequired) {
		t.Fatalf("expected ErrResyncRequired, got %v", err)
	}

	// The retained window still serves.
	events, err := history.Since(ctx, "track-a", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Seq != 5 || events[1].Seq != 6 {
		t.Fatalf("unexpected retained window: %+v", events)
	}
}
