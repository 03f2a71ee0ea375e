package store

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/crypto"
)

// MarkerStore tracks single-use latches: challenge ids whose answer was
// accepted for grading, and verification tokens that were redeemed.
//
// CheckAndMark is the engine's principal race-condition guard: under
// concurrent redemption attempts for one id, exactly one caller observes
// true and every other caller observes false. A read-then-write sequence
// cannot provide this; implementations must make the transition atomic.
type MarkerStore interface {
	// CheckAndMark marks id as used if it was not already. Returns true
	// if this call performed the transition, false on replay.
	CheckAndMark(id string, ttl time.Duration) (bool, error)
	// IsUsed reports whether id is currently marked.
	IsUsed(id string) (bool, error)
	// SweepExpired drops markers whose retention TTL elapsed before now.
	SweepExpired(now time.Time) int
}

// MemoryMarkerStore is a mutex-guarded in-memory MarkerStore. Marks are
// retained for the marker TTL (nominal lifetime plus grace plus a safety
// buffer) so a replay arriving late, but before the sweep, is still
// rejected.
type MemoryMarkerStore struct {
	mu           sync.Mutex
	marks        map[string]time.Time // id -> retention deadline
	timeProvider crypto.TimeProvider
}

// NewMemoryMarkerStore creates an empty marker store. Pass nil for
// timeProvider to use the wall clock.
func NewMemoryMarkerStore(timeProvider crypto.TimeProvider) *MemoryMarkerStore {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}
	return &MemoryMarkerStore{
		marks:        make(map[string]time.Time),
		timeProvider: timeProvider,
	}
}

// CheckAndMark performs the atomic used transition. The full check and
// mark happens under one lock acquisition.
func (m *MemoryMarkerStore) CheckAndMark(id string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, used := m.marks[id]; used {
		logrus.WithFields(logrus.Fields{
			"function": "CheckAndMark",
			"id":       id,
		}).Warn("Replay detected: id already marked used")
		return false, nil
	}

	m.marks[id] = m.timeProvider.Now().Add(ttl)
	return true, nil
}

// IsUsed reports whether id is marked without mutating state.
func (m *MemoryMarkerStore) IsUsed(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, used := m.marks[id]
	return used, nil
}

// SweepExpired removes markers whose retention deadline passed.
func (m *MemoryMarkerStore) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, deadline := range m.marks {
		if now.After(deadline) {
			delete(m.marks, id)
			removed++
		}
	}
	return removed
}
