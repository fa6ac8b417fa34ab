package apiclient

import (
	"sync"
	"time"
)

// RateLimiter allows each caller at most limit calls within a trailing window.
// Calls over the limit are rejected, never delayed.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	calls  map[string][]time.Time
}

// NewRateLimiter returns a limiter; a limit <= 0 disables it.
func NewRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    now,
		calls:  make(map[string][]time.Time),
	}
}

// Allow records a call for caller and reports whether it fits in the window.
func (l *RateLimiter) Allow(caller string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := prune(l.calls[caller], now.Add(-l.window))
	if len(recent) >= l.limit {
		l.calls[caller] = recent
		return false
	}
	l.calls[caller] = append(recent, now)
	return true
}

// prune drops timestamps at or before cutoff; ts is in ascending order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
