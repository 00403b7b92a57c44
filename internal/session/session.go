package session

import (
	"sync"

	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/event"
)

// Session is the live, authenticated state of one connected client. It is
// created per authenticated connection and passed by handle through every
// operation; there is no process-wide connection state.
type Session struct {
	ID          string
	UserID      string
	Role        string
	DisplayName string

	mu     sync.RWMutex
	grants auth.Grants
	eval   auth.Evaluator
	joined map[string]struct{}
	out    chan event.Event
	closed bool
}

// Actor identifies the session's user to the mutation coordinator.
func (s *Session) Actor() string { return s.UserID }

// Allows reports whether the session currently holds the permission for the
// track, using the evaluator selected for its role.
func (s *Session) Allows(trackID string, perm auth.Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eval.Allows(trackID, perm)
}

// SetGrants replaces the grant snapshot and re-selects the evaluator.
func (s *Session) SetGrants(grants auth.Grants) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = grants.Clone()
	s.eval = auth.EvaluatorForRole(s.Role, s.grants)
}

// Events exposes the outbound delivery channel. Closed on termination.
func (s *Session) Events() <-chan event.Event { return s.out }

// Send attempts a non-blocking delivery. It reports false when the session is
// terminated or its buffer is full; the fan-out engine owns retry policy.
func (s *Session) Send(ev event.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

// JoinedTracks returns a copy of the track ids the session is a member of.
func (s *Session) JoinedTracks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.joined))
	for id := range s.joined {
		out = append(out, id)
	}
	return out
}

// Joined reports track membership as recorded on the session side.
func (s *Session) Joined(trackID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.joined[trackID]
	return ok
}

// MarkJoined and MarkLeft keep the session's joined set in step with the
// registry. Only the subscription registry calls these.
func (s *Session) MarkJoined(trackID string) {
	s.mu.Lock()
	s.joined[trackID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) MarkLeft(trackID string) {
	s.mu.Lock()
	delete(s.joined, trackID)
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
