package store

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/humanproof/crypto"
)

// ErrNotFound indicates no live entry exists for the requested id.
var ErrNotFound = errors.New("entry not found")

// Store is TTL-keyed storage for one collection of engine records.
// Implementations must be safe for concurrent use; Get never returns an
// entry whose TTL has elapsed, even before the next sweep runs.
type Store interface {
	Get(id string) (interface{}, error)
	Put(id string, record interface{}, ttl time.Duration)
	Delete(id string)
	// SweepExpired removes entries whose TTL plus the grace window has
	// elapsed at now, returning how many were removed.
	SweepExpired(now time.Time) int
	Len() int
}

type entry struct {
	record    interface{}
	expiresAt time.Time
}

// MemoryStore is an in-memory Store backed by a mutex-guarded map.
//
// The grace window keeps entries retrievable for a short period past
// their nominal TTL, absorbing clock and network skew; expiry decisions
// made by callers (token validation) re-check their own timestamps.
type MemoryStore struct {
	mu           sync.RWMutex
	entries      map[string]entry
	grace        time.Duration
	timeProvider crypto.TimeProvider
}

// NewMemoryStore creates a store whose entries survive their TTL by the
// given grace window. Pass nil for timeProvider to use the wall clock.
func NewMemoryStore(grace time.Duration, timeProvider crypto.TimeProvider) *MemoryStore {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}
	return &MemoryStore{
		entries:      make(map[string]entry),
		grace:        grace,
		timeProvider: timeProvider,
	}
}

// Get returns the live record for id, or ErrNotFound if it is absent or
// past its TTL+grace.
func (s *MemoryStore) Get(id string) (interface{}, error) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	if s.timeProvider.Now().After(e.expiresAt.Add(s.grace)) {
		return nil, ErrNotFound
	}
	return e.record, nil
}

// Put stores a record under id with the given TTL, replacing any
// existing entry.
func (s *MemoryStore) Put(id string, record interface{}, ttl time.Duration) {
	expiresAt := s.timeProvider.Now().Add(ttl)

	s.mu.Lock()
	s.entries[id] = entry{record: record, expiresAt: expiresAt}
	s.mu.Unlock()
}

// Delete removes the entry for id if present.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// SweepExpired removes entries whose TTL+grace elapsed before now.
// Expired ids are collected under a read lock first so the write lock is
// held only for the deletions themselves.
func (s *MemoryStore) SweepExpired(now time.Time) int {
	s.mu.RLock()
	expired := make([]string, 0)
	for id, e := range s.entries {
		if now.After(e.expiresAt.Add(s.grace)) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	removed := 0
	s.mu.Lock()
	for _, id := range expired {
		// Re-check: the entry may have been replaced since the scan.
		if e, ok := s.entries[id]; ok && now.After(e.expiresAt.Add(s.grace)) {
			delete(s.entries, id)
			removed++
		}
	}
	s.mu.Unlock()

	return removed
}

// Len returns the number of entries currently held, including entries
// past TTL that have not yet been swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
