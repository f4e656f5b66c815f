package gate

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a sliding-window admission controller for
// LLM-invoking actions, keyed by installation. Window eviction is
// lazy: stale timestamps are dropped on each admission check, no
// background timer.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  map[string][]time.Time

	// now is overridable in tests
	now func() time.Time
}

// NewRateLimiter creates a limiter admitting at most limit calls per
// key within the rolling window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		calls:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Admit reports whether a new call is allowed for the key, recording
// it if so.
func (l *RateLimiter) Admit(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(key, now)

	if len(l.calls[key]) >= l.limit {
		return false
	}
	l.calls[key] = append(l.calls[key], now)
	return true
}

// RetryAfter returns how long until the oldest call in the window
// expires for the key. Zero when the window has room.
func (l *RateLimiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(key, now)

	timestamps := l.calls[key]
	if len(timestamps) < l.limit {
		return 0
	}
	d := timestamps[0].Add(l.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Wait blocks until a call is admitted for the key or the context is
// done. The saturated-window case defers the action rather than
// failing it; only the per-key worker blocks, never the ack path.
func (l *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		if l.Admit(key) {
			return nil
		}
		delay := l.RetryAfter(key)
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// evictLocked drops timestamps outside the window. Caller holds mu.
func (l *RateLimiter) evictLocked(key string, now time.Time) {
	cutoff := now.Add(-l.window)
	timestamps := l.calls[key]
	i := 0
	for i < len(timestamps) && !timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(timestamps) {
		delete(l.calls, key)
		return
	}
	l.calls[key] = timestamps[i:]
}
