package auth

import (
	"context"
	"sync"
)

// MemoryGrants is an in-process GrantSource. The external identity store owns
// grant state; this mirror also forwards change notifications so live
// sessions re-evaluate their subscriptions.
type MemoryGrants struct {
	mu     sync.RWMutex
	byUser map[string]Grants

	// OnChange, when set, is invoked after every grant update for the
	// affected user. Wired to the session manager's RefreshGrants.
	OnChange func(userID string, grants Grants)
}

// NewMemoryGrants creates an empty grant mirror.
func NewMemoryGrants() *MemoryGrants {
	return &MemoryGrants{byUser: make(map[string]Grants)}
}

// Grants returns a snapshot of the user's current grants.
func (m *MemoryGrants) Grants(ctx context.Context, userID string) (Grants, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byUser[userID].Clone(), nil
}

// Set replaces the user's grants and fires the change notification.
func (m *MemoryGrants) Set(userID string, grants Grants) {
	m.mu.Lock()
	m.byUser[userID] = grants.Clone()
	hook := m.OnChange
	m.mu.Unlock()

	if hook != nil {
		hook(userID, grants.Clone())
	}
}

// Grant adds a single (track, permission) pair for a user.
func (m *MemoryGrants) Grant(userID, trackID string, perms ...Permission) {
	m.mu.Lock()
	g, ok := m.byUser[userID]
	if !ok {
		g = make(Grants)
		m.byUser[userID] = g
	}
	set, ok := g[trackID]
	if !ok {
		set = make(PermissionSet)
		g[trackID] = set
	}
	for _, p := range perms {
		set[p] = struct{}{}
	}
	snapshot := g.Clone()
	hook := m.OnChange
	m.mu.Unlock()

	if hook != nil {
		hook(userID, snapshot)
	}
}

// Revoke removes every grant the user holds for a track.
func (m *MemoryGrants) Revoke(userID, trackID string) {
	m.mu.Lock()
	if g, ok := m.byUser[userID]; ok {
		delete(g, trackID)
	}
	snapshot := m.byUser[userID].Clone()
	hook := m.OnChange
	m.mu.Unlock()

	if hook != nil {
		hook(userID, snapshot)
	}
}
