package authserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces a windowed request budget per key, typically the client
// address. A key may burst the full budget; it refills continuously over
// the window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	window  time.Duration
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing events per window for each key.
func NewLimiter(events int, window time.Duration) *Limiter {
	if events < 1 {
		events = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets: map[string]*bucket{},
		limit:   rate.Limit(float64(events) / window.Seconds()),
		burst:   events,
		window:  window,
		sweepAt: time.Now().Add(window),
	}
}

// Consume takes one slot for the key, reporting how long to wait when the
// budget is exhausted.
func (l *Limiter) Consume(key string) Decision {
	now := time.Now()
	l.mu.Lock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = entry
	}
	entry.lastSeen = now
	if now.After(l.sweepAt) {
		l.sweep(now)
	}
	l.mu.Unlock()

	reservation := entry.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// sweep drops buckets idle long enough to be fully refilled. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	for key, entry := range l.buckets {
		if now.Sub(entry.lastSeen) > l.window {
			delete(l.buckets, key)
		}
	}
	l.sweepAt = now.Add(l.window)
}
