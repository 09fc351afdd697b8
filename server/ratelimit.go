package server

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window limiter for inbound messages on one
// connection: at most limit messages per window. A nil limiter allows
// everything.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &rateLimiter{limit: limit, window: window}
}

func (r *rateLimiter) allow(now time.Time) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	keep := r.events[:0]
	for _, t := range r.events {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.events = keep

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
