// Package governor bounds the paid step of a negotiation: a sliding-window
// rate limiter delays callers until window space is free, and a counting
// semaphore caps concurrent executions, releasing waiters in FIFO order.
// Both are process-local and reset on restart.
package governor

import (
	"context"
	"sync"
	"time"
)

// RateLimiter admits at most max operations per rolling window. Wait blocks
// until an admission slot is available; it never rejects a caller.
type RateLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	admitted []time.Time
}

// NewRateLimiter creates a limiter admitting max operations per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{max: max, window: window}
}

// Wait blocks until the caller is admitted or the context is cancelled.
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		if len(l.admitted) < l.max {
			l.admitted = append(l.admitted, now)
			l.mu.Unlock()
			return nil
		}

		// The oldest admission leaving the window frees the next slot.
		wait := l.admitted[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InFlight reports how many admissions currently fall inside the window.
func (l *RateLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return len(l.admitted)
}

// prune drops admissions older than the window. Callers hold l.mu.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.admitted) && !l.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[i:]...)
	}
}
