package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle hands out one token-bucket limiter per caller key (client IP,
// chat ID). Idle keys are dropped after ttl.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*throttleEntry
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows burst events immediately, then one per every interval
func NewThrottle(every time.Duration, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limiters: make(map[string]*throttleEntry),
		limit:    rate.Every(every),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed now
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweep(now)

	e, ok := t.limiters[key]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (t *Throttle) sweep(now time.Time) {
	for key, e := range t.limiters {
		if now.Sub(e.lastSeen) > t.ttl {
			delete(t.limiters, key)
		}
	}
}
