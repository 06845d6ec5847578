package genai

import (
	"sync"
	"time"
)

// Default limiter parameters.
const (
	DefaultLimiterCapacity = 10
	DefaultRefillInterval  = time.Second
)

// RateLimiter is an in-process token bucket. Tokens are refilled lazily on each
// check from the wall-clock time elapsed since the previous check.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	interval   time.Duration
	lastRefill time.Time
	now        func() time.Time
	rejected   int64
}

// LimiterStats is a snapshot of the limiter state.
type LimiterStats struct {
	AvailableTokens int   `json:"availableTokens"`
	Capacity        int   `json:"capacity"`
	Rejected        int64 `json:"rejected"`
}

// NewRateLimiter creates a full bucket of capacity tokens refilled one per interval.
func NewRateLimiter(capacity int, interval time.Duration) *RateLimiter {
	return newRateLimiterWithClock(capacity, interval, time.Now)
}

func newRateLimiterWithClock(capacity int, interval time.Duration, now func() time.Time) *RateLimiter {
	if capacity <= 0 {
		capacity = DefaultLimiterCapacity
	}
	if interval <= 0 {
		interval = DefaultRefillInterval
	}
	return &RateLimiter{
		capacity:   capacity,
		tokens:     capacity,
		interval:   interval,
		lastRefill: now(),
		now:        now,
	}
}

// CheckLimit consumes one token, or returns ErrRateLimitExceeded when the bucket is empty.
func (l *RateLimiter) CheckLimit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	refill := int(now.Sub(l.lastRefill) / l.interval)
	l.tokens = min(l.capacity, l.tokens+refill)
	l.lastRefill = now

	if l.tokens <= 0 {
		l.rejected++
		return ErrRateLimitExceeded
	}
	l.tokens--
	return nil
}

// Stats returns the current limiter statistics.
func (l *RateLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		AvailableTokens: l.tokens,
		Capacity:        l.capacity,
		Rejected:        l.rejected,
	}
}
