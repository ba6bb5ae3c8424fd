package scheduler

import (
	"sync"
	"time"

	"github.com/cuemby/tailkeeper/pkg/log"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ExpiryScheduler holds at most one pending callback per workload. Arming
// a workload cancels whatever was armed for it before, so a stale timer
// can never fire after it has been replaced.
type ExpiryScheduler struct {
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[types.WorkloadID]*entry
	gen     uint64
	stopped bool
}

type entry struct {
	timer clockwork.Timer
	gen   uint64
	at    time.Time
}

// New creates a scheduler driven by clock
func New(clock clockwork.Clock) *ExpiryScheduler {
	return &ExpiryScheduler{
		clock:   clock,
		logger:  log.WithComponent("scheduler"),
		entries: make(map[types.WorkloadID]*entry),
	}
}

// Schedule arms action to run at at. An instant that is not in the future
// runs action immediately on its own goroutine instead of arming a timer.
func (s *ExpiryScheduler) Schedule(id types.WorkloadID, at time.Time, action func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.cancelLocked(id)

	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.gen++
	gen := s.gen
	e := &entry{gen: gen, at: at}
	s.entries[id] = e
	if delay == 0 {
		go s.fire(id, gen, action)
	} else {
		e.timer = s.clock.AfterFunc(delay, func() { s.fire(id, gen, action) })
	}

	s.logger.Debug().
		Str("workload", string(id)).
		Time("at", at).
		Dur("delay", delay).
		Msg("Armed expiry task")
}

// Cancel disarms the pending callback for id, if any
func (s *ExpiryScheduler) Cancel(id types.WorkloadID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
}

func (s *ExpiryScheduler) cancelLocked(id types.WorkloadID) {
	if e, ok := s.entries[id]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
}

// Pending returns the instant the callback for id is armed for
func (s *ExpiryScheduler) Pending(id types.WorkloadID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len returns the number of armed callbacks
func (s *ExpiryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop disarms everything and ignores later Schedule calls
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entries {
		s.cancelLocked(id)
	}
	s.stopped = true
}

func (s *ExpiryScheduler) fire(id types.WorkloadID, gen uint64, action func()) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen {
		// Replaced or cancelled after the timer had already started firing
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	s.mu.Unlock()

	action()
}
