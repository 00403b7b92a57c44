package fanout

import (
	"context"
	"sort"
	"sync"
)

// MemoryNotifications is the in-process notification ledger, append-only with
// explicit read-state transitions.
type MemoryNotifications struct {
	mu     sync.RWMutex
	byID   map[string]*Notification
	byUser map[string][]string // userID -> notification ids in insert order
}

var _ NotificationStore = (*MemoryNotifications)(nil)

// NewMemoryNotifications creates an empty ledger.
func NewMemoryNotifications() *MemoryNotifications {
	return &MemoryNotifications{
		byID:   make(map[string]*Notification),
		byUser: make(map[string][]string),
	}
}

func (s *MemoryNotifications) Insert(ctx context.Context, n Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[n.ID]; ok {
		return false, nil
	}
	cp := n
	s.byID[n.ID] = &cp
	s.byUser[n.UserID] = append(s.byUser[n.UserID], n.ID)
	return true, nil
}

func (s *MemoryNotifications) MarkRead(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	n.Read = true
	return nil
}

func (s *MemoryNotifications) MarkAllRead(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byUser[userID] {
		s.byID[id].Read = true
	}
	return nil
}

func (s *MemoryNotifications) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	delete(s.byID, id)
	ids := s.byUser[userID]
	for i, nid := range ids {
		if nid == id {
			s.byUser[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryNotifications) UnreadCount(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, id := range s.byUser[userID] {
		if !s.byID[id].Read {
			count++
		}
	}
	return count, nil
}

func (s *MemoryNotifications) List(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Notification
	for _, id := range s.byUser[userID] {
		n := s.byID[id]
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, *n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
