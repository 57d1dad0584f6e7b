// Package debounce coalesces bursts of calls into one deferred call that fires
// after a quiet window. Only the most recently scheduled call ever runs.
package debounce

import (
	"sync"
	"time"
)

// Scheduler holds at most one pending call.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	timer   Timer
	pending func()
	gen     uint64
	stopped bool
}

// New creates a Scheduler on the given clock. A nil clock uses RealClock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{clock: clock}
}

// Schedule arranges for fn to run once delay has elapsed without another
// Schedule call. Any call still pending is cancelled first. Schedule after
// Stop is a no-op.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked()
	s.gen++
	gen := s.gen
	s.pending = fn
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	// A superseded timer may still fire if Stop raced with its expiry.
	if gen != s.gen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	fn := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	fn()
}

// Pending reports whether a call is waiting to fire.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Cancel discards the pending call, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.gen++
}

// Flush runs the pending call now, on the calling goroutine, and reports
// whether there was one.
func (s *Scheduler) Flush() bool {
	s.mu.Lock()
	fn := s.pending
	s.cancelLocked()
	s.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Stop cancels the pending call and refuses further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}
