// Package memory holds single-process fallbacks for the Redis-backed
// shared-state interfaces, used when Redis is disabled.
package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// idleAfter is how long an unused key's bucket is kept.
const idleAfter = 10 * time.Minute

type bucket struct {
	lim    *rate.Limiter
	limit  int
	window time.Duration
	seen   time.Time
}

// Limiter implements domain.RateLimiter with one token bucket per key: limit
// tokens refilled evenly over window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	swept   time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), now: time.Now}
}

func (l *Limiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.limit != limit || b.window != window {
		b = &bucket{
			lim:    rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			limit:  limit,
			window: window,
		}
		l.buckets[key] = b
	}
	b.seen = now
	l.sweep(now)
	return b.lim.AllowN(now, 1), nil
}

// sweep drops idle buckets at most once per idleAfter. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.swept) < idleAfter {
		return
	}
	l.swept = now
	for k, b := range l.buckets {
		if now.Sub(b.seen) > idleAfter {
			delete(l.buckets, k)
		}
	}
}

var _ domain.RateLimiter = (*Limiter)(nil)
