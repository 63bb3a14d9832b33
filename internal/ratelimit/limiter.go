package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// CounterStore is a fixed-window counter with an atomic increment. The two
// shipped implementations are an in-process map and a Redis counter for
// multi-process deployments; both return the hit count for the current window
// and when that window started.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, windowStart time.Time, err error)
}

// Decision is the outcome of a limiter check. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimitedError carries the retry-after hint up to handlers.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return "rate limit exceeded"
}

// Limiter counts attempts keyed by (subject, endpoint). Both the per-source
// address and per-account axes are plain Limiter instances over the same
// store; only the subject key differs.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock overrides the time source. Test hook only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow atomically records one attempt and reports whether it fits the limit
// for the current window. A store failure fails closed with a retryable hint
// rather than waving the attempt through.
func (l *Limiter) Allow(ctx context.Context, subjectKey, endpointKey string, limit int, window time.Duration) (Decision, error) {
	key := subjectKey + ":" + endpointKey

	count, windowStart, err := l.store.Incr(ctx, key, window)
	if err != nil {
		return Decision{Allowed: false, RetryAfter: time.Second},
			fmt.Errorf("rate counter increment for %s: %w", endpointKey, err)
	}

	if count <= int64(limit) {
		return Decision{Allowed: true}, nil
	}

	retryAfter := windowStart.Add(window).Sub(l.now().UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
