package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/dealbroker/internal/metrics"
)

// RateLimiter is a sliding-window limiter keyed by caller. Negotiations are
// keyed by buyer agent so a client cannot spread load over request IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter and starts its eviction goroutine,
// which stops with ctx. A non-positive limit disables limiting.
func NewRateLimiter(ctx context.Context, limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
	if limit > 0 && window > 0 {
		rl.startEviction(ctx)
	}
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limit <= 0 || r.window <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.fresh(r.requests[key], now.Add(-r.window))

	if len(recent) >= r.limit {
		r.requests[key] = recent
		metrics.RateLimitHits.Inc()
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// RetryAfter returns how long key must wait before its oldest request
// leaves the window.
func (r *RateLimiter) RetryAfter(key string) time.Duration {
	if r == nil || r.window <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	times := r.requests[key]
	if len(times) == 0 {
		return 0
	}
	wait := times[0].Add(r.window).Sub(r.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (r *RateLimiter) fresh(times []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// startEviction periodically removes expired keys so idle buyers do not
// accumulate in the map.
func (r *RateLimiter) startEviction(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evict()
			}
		}
	}()
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	for key, times := range r.requests {
		fresh := r.fresh(times, cutoff)
		if len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
