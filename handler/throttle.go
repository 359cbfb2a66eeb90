package handler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxThrottleKeys = 10000

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a per-caller token bucket. It only lives as long as the
// process, so under Lambda it limits bursts against a warm instance.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
	rate    rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

// NewThrottle allows perSecond sustained requests with the given burst per key.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		entries: make(map[string]*throttleEntry),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether key may make another request now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[key]
	if !ok {
		if len(t.entries) >= maxThrottleKeys {
			t.pruneLocked(now)
		}
		e = &throttleEntry{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (t *Throttle) pruneLocked(now time.Time) {
	for k, e := range t.entries {
		if now.Sub(e.lastSeen) > t.idle {
			delete(t.entries, k)
		}
	}
	if len(t.entries) >= maxThrottleKeys {
		t.entries = make(map[string]*throttleEntry)
	}
}
