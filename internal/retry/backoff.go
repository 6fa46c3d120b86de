package retry

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Scheduler computes the wait before the next attempt.
type Scheduler struct {
	mu    sync.Mutex
	float func() float64
}

// NewScheduler returns a scheduler drawing jitter from src, a source of
// uniform values in [0, 1). A nil src uses the global math/rand generator.
func NewScheduler(src func() float64) *Scheduler {
	if src == nil {
		src = rand.Float64
	}
	return &Scheduler{float: src}
}

// NewSeededScheduler returns a deterministic scheduler for the given seed.
func NewSeededScheduler(seed uint64) *Scheduler {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return NewScheduler(r.Float64)
}

// Delay returns the wait after the failed attempt with the given zero-based
// index: min(base*2^attempt, max), jittered to uniform [0, d] when enabled,
// then raised to MinRateLimitDelay for rate-limited failures.
func (s *Scheduler) Delay(attempt int, p Policy, c Classification) time.Duration {
	d := capped(attempt, p.BaseDelay, p.MaxDelay)
	if p.Jitter && d > 0 {
		s.mu.Lock()
		f := s.float()
		s.mu.Unlock()
		d = time.Duration(f * float64(d))
	}
	if c == RateLimited && d < p.MinRateLimitDelay {
		d = p.MinRateLimitDelay
	}
	return d
}

// capped computes min(base*2^attempt, max) without overflowing.
func capped(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max || d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
