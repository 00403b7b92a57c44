package record

import (
	"context"
	"sync"

	"pulseboard.org/internal/event"
)

// guardedHistory wraps the durable event log and remembers tracks where an
// accepted mutation never made it into history. A resync window that spans
// the damage answers ErrResyncRequired instead of returning the surrounding
// events with the lost one silently missing.
type guardedHistory struct {
	inner History

	mu      sync.Mutex
	damaged map[string]uint64 // track id -> last seq known appended before the loss
}

var _ History = (*guardedHistory)(nil)

func newGuardedHistory(inner History) *guardedHistory {
	return &guardedHistory{inner: inner, damaged: make(map[string]uint64)}
}

func (g *guardedHistory) Append(ctx context.Context, ev *event.Event) error {
	return g.inner.Append(ctx, ev)
}

func (g *guardedHistory) Since(ctx context.Context, trackID string, after uint64) ([]event.Event, error) {
	g.mu.Lock()
	through, damaged := g.damaged[trackID]
	g.mu.Unlock()
	// A client at or before the damage point would receive a window missing
	// the lost mutation; events appended after it carry post-loss state, so
	// later clients are unaffected.
	if damaged && after <= through {
		return nil, ErrResyncRequired
	}
	return g.inner.Since(ctx, trackID, after)
}

func (g *guardedHistory) Latest(ctx context.Context, trackID string) (uint64, error) {
	return g.inner.Latest(ctx, trackID)
}

// markLost records that an accepted mutation for the track was not appended.
func (g *guardedHistory) markLost(ctx context.Context, trackID string) {
	through, err := g.inner.Latest(ctx, trackID)
	if err != nil {
		// Head unknown; treat the whole track as damaged.
		through = ^uint64(0)
	}
	g.mu.Lock()
	if prev, ok := g.damaged[trackID]; !ok || through > prev {
		g.damaged[trackID] = through
	}
	g.mu.Unlock()
}
