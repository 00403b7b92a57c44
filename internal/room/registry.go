package room

import (
	"fmt"
	"sync"
	"time"

	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/event"
	"pulseboard.org/internal/obs"
	"pulseboard.org/internal/session"
)

// Registry tracks which sessions are members of which track rooms. Membership
// mutations are linearizable with respect to concurrent publishes: a publish
// snapshots membership under the same lock join/leave take.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]*session.Session // trackID -> sessionID -> session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[string]map[string]*session.Session)}
}

// Join subscribes the session to the track room. It succeeds iff the session's
// role grants implicit all-access or it holds an explicit view grant; otherwise
// it fails with SubscriptionDenied and has no side effects. The session is not
// closed on denial.
func (r *Registry) Join(s *session.Session, trackID string) error {
	if !s.Allows(trackID, auth.PermissionView) {
		return fmt.Errorf("%w: track %s", auth.ErrSubscriptionDenied, trackID)
	}

	r.mu.Lock()
	room, ok := r.members[trackID]
	if !ok {
		room = make(map[string]*session.Session)
		r.members[trackID] = room
	}
	_, already := room[s.ID]
	room[s.ID] = s
	r.mu.Unlock()

	s.MarkJoined(trackID)
	if !already {
		obs.RoomMembers.Inc()
	}
	return nil
}

// Leave removes the session from the track room. No-op if not a member.
func (r *Registry) Leave(s *session.Session, trackID string) {
	r.mu.Lock()
	removed := r.removeLocked(s.ID, trackID)
	r.mu.Unlock()

	s.MarkLeft(trackID)
	if removed {
		obs.RoomMembers.Dec()
	}
}

// OnGrantChange re-evaluates every track the session is joined to. Any track
// the session no longer qualifies for is removed immediately and the session
// receives a sentinel revocation event so its local view can invalidate.
func (r *Registry) OnGrantChange(s *session.Session) {
	var revoked []string
	r.mu.Lock()
	for _, trackID := range s.JoinedTracks() {
		if s.Allows(trackID, auth.PermissionView) {
			continue
		}
		if r.removeLocked(s.ID, trackID) {
			revoked = append(revoked, trackID)
		}
	}
	r.mu.Unlock()

	now := time.Now().UTC()
	for _, trackID := range revoked {
		s.MarkLeft(trackID)
		obs.RoomMembers.Dec()
		// Best effort: the session learns about the revocation even if its
		// buffer is saturated, via the joined-set removal above.
		if s.Send(event.Event{
			Kind:      event.KindSubscriptionRevoked,
			TrackID:   trackID,
			Timestamp: now,
		}) {
			obs.EventsDelivered.WithLabelValues(event.KindSubscriptionRevoked).Inc()
		}
	}
}

// DetachAll removes the session from every room it is a member of. Called on
// session termination; atomic with respect to concurrent publishes.
func (r *Registry) DetachAll(s *session.Session) {
	r.mu.Lock()
	var removed int
	for _, trackID := range s.JoinedTracks() {
		if r.removeLocked(s.ID, trackID) {
			removed++
		}
		s.MarkLeft(trackID)
	}
	r.mu.Unlock()

	for i := 0; i < removed; i++ {
		obs.RoomMembers.Dec()
	}
}

// Members returns a point-in-time snapshot of the track's member sessions.
func (r *Registry) Members(trackID string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.members[trackID]
	out := make([]*session.Session, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	return out
}

// IsMember reports current membership. The fan-out engine consults this at
// delivery time to uphold the never-leak invariant.
func (r *Registry) IsMember(trackID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.members[trackID]
	if !ok {
		return false
	}
	_, ok = room[sessionID]
	return ok
}

// removeLocked deletes the membership entry; caller holds r.mu.
func (r *Registry) removeLocked(sessionID, trackID string) bool {
	room, ok := r.members[trackID]
	if !ok {
		return false
	}
	if _, ok := room[sessionID]; !ok {
		return false
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.members, trackID)
	}
	return true
}
