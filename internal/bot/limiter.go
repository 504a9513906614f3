package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterTTL        = 10 * time.Minute
	limiterSweepEvery = 5000
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-user token bucket. Idle buckets are evicted
// opportunistically during lookups.
type Limiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups int
}

// NewLimiter allows perSecond interactions per user with the given burst.
// A burst below one is raised to one.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rps:     rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether userID may act now, consuming a token if so.
func (l *Limiter) Allow(userID string) bool {
	now := l.now()

	l.mu.Lock()
	l.lookups++
	if l.lookups >= limiterSweepEvery {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= limiterTTL {
				delete(l.buckets, k)
			}
		}
		l.lookups = 0
	}
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	lim := b.limiter
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
