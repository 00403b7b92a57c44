package record

import (
	"context"
	"fmt"
	"sync"

	"pulseboard.org/internal/event"
)

// MemoryStore implements Store with in-process concurrency safety.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // trackID/recordID -> record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func key(trackID, recordID string) string { return trackID + "/" + recordID }

func (s *MemoryStore) Get(ctx context.Context, trackID, recordID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key(trackID, recordID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.TrackID, rec.ID)
	if _, ok := s.records[k]; ok {
		return fmt.Errorf("%w: record %s exists", ErrInvalidInput, rec.ID)
	}
	s.records[k] = rec
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.TrackID, rec.ID)
	if _, ok := s.records[k]; !ok {
		return ErrNotFound
	}
	s.records[k] = rec
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, trackID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(trackID, recordID)
	if _, ok := s.records[k]; !ok {
		return ErrNotFound
	}
	delete(s.records, k)
	return nil
}

// MemoryHistory keeps the per-track mutation event log in process. Sequences
// are contiguous per track; Trim discards old events, after which resync
// requests reaching into the discarded window get ErrResyncRequired.
type MemoryHistory struct {
	mu     sync.RWMutex
	tracks map[string]*trackLog
}

type trackLog struct {
	events   []event.Event
	firstSeq uint64 // seq of events[0]; 1 until trimmed
	nextSeq  uint64
}

var _ History = (*MemoryHistory)(nil)

// NewMemoryHistory creates an empty event history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{tracks: make(map[string]*trackLog)}
}

func (h *MemoryHistory) Append(ctx context.Context, ev *event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.tracks[ev.TrackID]
	if !ok {
		log = &trackLog{firstSeq: 1, nextSeq: 1}
		h.tracks[ev.TrackID] = log
	}
	ev.Seq = log.nextSeq
	log.nextSeq++
	log.events = append(log.events, *ev)
	return nil
}

func (h *MemoryHistory) Since(ctx context.Context, trackID string, after uint64) ([]event.Event, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	log, ok := h.tracks[trackID]
	if !ok {
		if after > 0 {
			return nil, ErrResyncRequired
		}
		return nil, nil
	}
	// The caller needs events after+1..latest; if the head of that window
	// has been discarded the gap cannot be filled.
	if after+1 < log.firstSeq {
		return nil, ErrResyncRequired
	}
	var out []event.Event
	for _, ev := range log.events {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (h *MemoryHistory) Latest(ctx context.Context, trackID string) (uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	log, ok := h.tracks[trackID]
	if !ok {
		return 0, nil
	}
	return log.nextSeq - 1, nil
}

// Trim drops all but the last keep events for a track.
func (h *MemoryHistory) Trim(trackID string, keep int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.tracks[trackID]
	if !ok || len(log.events) <= keep {
		return
	}
	drop := len(log.events) - keep
	log.events = append([]event.Event(nil), log.events[drop:]...)
	if len(log.events) > 0 {
		log.firstSeq = log.events[0].Seq
	} else {
		log.firstSeq = log.nextSeq
	}
}
