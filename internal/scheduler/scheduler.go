package scheduler

import (
	"sync"
	"time"
)

// Scheduler keeps at most one live timer per logical key. Arming a key
// cancels whatever was armed under it before, and a cancelled callback never
// runs even if its timer already fired on another goroutine.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	gen     uint64
	timers  map[string]*entry
	stopped bool
}

type entry struct {
	gen   uint64
	timer Timer
}

// New creates a scheduler on clock. A nil clock means the system clock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = Real()
	}
	return &Scheduler{
		clock:  clock,
		timers: make(map[string]*entry),
	}
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() Clock { return s.clock }

// Schedule runs fn once after delay under key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.arm(key, delay, fn, false)
}

// Every runs fn every interval under key until cancelled. The next tick is
// armed only after fn returns, so ticks of one key never overlap.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) {
	s.arm(key, interval, fn, true)
}

func (s *Scheduler) arm(key string, d time.Duration, fn func(), repeat bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked(key)
	s.gen++
	s.armLocked(key, s.gen, d, fn, repeat)
}

func (s *Scheduler) armLocked(key string, gen uint64, d time.Duration, fn func(), repeat bool) {
	e := &entry{gen: gen}
	s.timers[key] = e
	e.timer = s.clock.AfterFunc(d, func() {
		if !s.live(key, gen, !repeat) {
			return
		}
		fn()
		if !repeat {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.timers[key]; ok && cur.gen == gen && !s.stopped {
			s.armLocked(key, gen, d, fn, true)
		}
	})
}

// live reports whether the callback for (key, gen) is still current.
// One-shot entries are removed as they are claimed.
func (s *Scheduler) live(key string, gen uint64, consume bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[key]
	if !ok || cur.gen != gen || s.stopped {
		return false
	}
	if consume {
		delete(s.timers, key)
	}
	return true
}

// Cancel disarms key. Cancelling an unknown key is a no-op.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

func (s *Scheduler) cancelLocked(key string) {
	if e, ok := s.timers[key]; ok {
		e.timer.Stop()
		delete(s.timers, key)
	}
}

// Pending reports whether key is armed.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Stop cancels every timer and refuses new ones. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
}
