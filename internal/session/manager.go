package session

import (
	"context"
	"fmt"
	"sync"

	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/event"
	"pulseboard.org/internal/ids"
	"pulseboard.org/internal/obs"
)

const defaultOutBuffer = 64

// Rooms is the subscription registry surface the manager needs: grant
// re-evaluation for a live session and full detachment on termination.
type Rooms interface {
	OnGrantChange(s *Session)
	DetachAll(s *Session)
}

// Manager authenticates connections and owns session lifecycle.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session

	grants auth.GrantSource
	rooms  Rooms

	outBuffer int
}

// NewManager creates a session manager reading grant snapshots from source.
func NewManager(grants auth.GrantSource) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
		grants:    grants,
		outBuffer: defaultOutBuffer,
	}
}

// SetRooms wires the subscription registry. Must be called before sessions
// are served; split from the constructor because the registry is built after
// the manager.
func (m *Manager) SetRooms(r Rooms) { m.rooms = r }

// Authenticate validates the token against the identity boundary and, on
// success, establishes a live session with a snapshot of role and grants.
func (m *Manager) Authenticate(ctx context.Context, token string) (*Session, error) {
	claims, err := auth.ParseAndValidate(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrAuthenticationFailed, err)
	}

	grants, err := m.grants.Grants(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}

	s := &Session{
		ID:          ids.New(),
		UserID:      claims.Subject,
		Role:        claims.Role,
		DisplayName: claims.Name,
		grants:      grants,
		eval:        auth.EvaluatorForRole(claims.Role, grants),
		joined:      make(map[string]struct{}),
		out:         make(chan event.Event, m.outBuffer),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	set, ok := m.byUser[s.UserID]
	if !ok {
		set = make(map[string]*Session)
		m.byUser[s.UserID] = set
	}
	set[s.ID] = s
	m.mu.Unlock()

	obs.ActiveSessions.Inc()
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// SessionsForUser returns every live session belonging to the user.
func (m *Manager) SessionsForUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Terminate removes the session from every room atomically with its removal
// from the manager, then closes its delivery channel. Safe to call twice.
func (m *Manager) Terminate(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if set := m.byUser[s.UserID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.byUser, s.UserID)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.rooms != nil {
		m.rooms.DetachAll(s)
	}
	s.close()
	obs.ActiveSessions.Dec()
}

// RefreshGrants installs a new grant snapshot for a live session and triggers
// subscription re-evaluation before returning.
func (m *Manager) RefreshGrants(sessionID string, grants auth.Grants) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	s.SetGrants(grants)
	if m.rooms != nil {
		m.rooms.OnGrantChange(s)
	}
}

// RefreshGrantsForUser applies a grant change reported by the identity store
// to every live session of the user. Wired to the grant source's change hook.
func (m *Manager) RefreshGrantsForUser(userID string, grants auth.Grants) {
	for _, s := range m.SessionsForUser(userID) {
		m.RefreshGrants(s.ID, grants)
	}
}
