package realtime

import (
	"math/rand/v2"
	"sync"
	"time"
)

// ReconnectionScheduler computes retry delays and owns one cancellable
// timer per channel handle.
type ReconnectionScheduler struct {
	base    time.Duration
	max     time.Duration
	ceiling int
	jitter  float64
	rand    func() float64 // [0, 1)

	mu      sync.Mutex
	timers  map[*ChannelHandle]*time.Timer
	stopped bool
}

// NewReconnectionScheduler creates a scheduler from the backoff fields of
// cfg. A nil rnd uses math/rand/v2.
func NewReconnectionScheduler(cfg Config, rnd func() float64) *ReconnectionScheduler {
	cfg = cfg.withDefaults()
	if rnd == nil {
		rnd = rand.Float64
	}
	return &ReconnectionScheduler{
		base:    cfg.BaseDelay,
		max:     cfg.MaxDelay,
		ceiling: cfg.BackoffCeiling,
		jitter:  cfg.Jitter,
		rand:    rnd,
		timers:  make(map[*ChannelHandle]*time.Timer),
	}
}

// NominalDelay returns min(max, base * 2^min(n, ceiling)), without jitter.
func (s *ReconnectionScheduler) NominalDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > s.ceiling {
		n = s.ceiling
	}

	d := s.base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= s.max {
			return s.max
		}
	}
	return min(d, s.max)
}

// Delay returns NominalDelay(n) scaled by a uniform factor in
// [1-jitter, 1+jitter). The result is always below max*(1+jitter).
func (s *ReconnectionScheduler) Delay(n int) time.Duration {
	nominal := s.NominalDelay(n)
	if s.jitter == 0 {
		return nominal
	}

	factor := 1 + s.jitter*(2*s.rand()-1)
	d := time.Duration(float64(nominal) * factor)

	upper := time.Duration(float64(nominal) * (1 + s.jitter))
	if d >= upper {
		d = upper - 1
	}
	if d < 0 {
		d = 0
	}
	return d
}

// schedule arms fn to run after delay, replacing any timer already armed
// for h. It returns false once the scheduler is stopped.
func (s *ReconnectionScheduler) schedule(h *ChannelHandle, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if t, ok := s.timers[h]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[h] == t {
			delete(s.timers, h)
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[h] = t
	return true
}

// Cancel stops the timer armed for h. It reports whether one was pending.
func (s *ReconnectionScheduler) Cancel(h *ChannelHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[h]
	if !ok {
		return false
	}
	delete(s.timers, h)
	return t.Stop()
}

// Pending returns the number of armed timers.
func (s *ReconnectionScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and refuses new ones.
func (s *ReconnectionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for h, t := range s.timers {
		t.Stop()
		delete(s.timers, h)
	}
}
