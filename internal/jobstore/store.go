package jobstore

import (
	"sync"
	"time"

	"comfyworker/internal/outputs"
)

// Status enumerates job lifecycle states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record tracks one job through its lifecycle, including the final output
// bundle or error.
type Record struct {
	ID        string
	Status    Status
	Error     string
	Output    *outputs.Bundle
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the injected keyed state abstraction sessions report into.
// Implementations must be safe for concurrent use.
type Store interface {
	Put(rec Record)
	Get(id string) (Record, bool)
	Update(id string, mutate func(*Record)) bool
}

// MemoryStore is the in-process Store used by the local API server.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Put(rec Record) {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
}

func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	return rec, ok
}

// Update applies mutate to the stored record under the lock and stamps
// UpdatedAt. It reports whether the record existed.
func (s *MemoryStore) Update(id string, mutate func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return false
	}
	mutate(&rec)
	rec.UpdatedAt = time.Now()
	s.recs[id] = rec
	return true
}

var _ Store = (*MemoryStore)(nil)
