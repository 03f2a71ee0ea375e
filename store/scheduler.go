package store

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/crypto"
)

// Sweepable is any collection the cleanup scheduler can drive.
type Sweepable interface {
	SweepExpired(now time.Time) int
}

// Scheduler periodically sweeps expired entries from every registered
// collection. Sweeps run on their own goroutine and never hold a
// collection's lock longer than the removal of individual entries, so
// request-path reads and writes are not blocked behind a full sweep.
type Scheduler struct {
	mu           sync.Mutex
	collections  map[string]Sweepable
	interval     time.Duration
	timeProvider crypto.TimeProvider
	stopChan     chan struct{}
	running      bool
}

// NewScheduler creates a scheduler sweeping at the given interval.
// Pass nil for timeProvider to use the wall clock.
func NewScheduler(interval time.Duration, timeProvider crypto.TimeProvider) *Scheduler {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}
	return &Scheduler{
		collections:  make(map[string]Sweepable),
		interval:     interval,
		timeProvider: timeProvider,
		stopChan:     make(chan struct{}),
	}
}

// Register adds a named collection to the sweep rotation. Safe to call
// while the scheduler is running.
func (s *Scheduler) Register(name string, c Sweepable) {
	s.mu.Lock()
	s.collections[name] = c
	s.mu.Unlock()
}

// Start launches the background sweep loop. Calling Start twice is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	go s.sweepLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": s.interval.String(),
	}).Info("Cleanup scheduler started")
}

// Stop terminates the sweep loop. The scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
}

func (s *Scheduler) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepAll()
		case <-s.stopChan:
			return
		}
	}
}

// SweepAll runs one sweep pass over every registered collection and
// returns the total number of entries removed. Exposed so tests can
// drive sweeps deterministically instead of waiting on the ticker.
func (s *Scheduler) SweepAll() int {
	s.mu.Lock()
	collections := make(map[string]Sweepable, len(s.collections))
	for name, c := range s.collections {
		collections[name] = c
	}
	s.mu.Unlock()

	now := s.timeProvider.Now()
	total := 0
	for name, c := range collections {
		removed := c.SweepExpired(now)
		total += removed
		if removed > 0 {
			logrus.WithFields(logrus.Fields{
				"function":   "SweepAll",
				"collection": name,
				"removed":    removed,
			}).Debug("Swept expired entries")
		}
	}
	return total
}
