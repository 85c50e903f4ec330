package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter. The command pipeline
// keeps one per sender so a flood of spoofed messages cannot drown the
// security log.
type RateLimiter struct {
	mu           sync.Mutex
	rate         float64 // tokens per second
	burst        int     // maximum burst size
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a new rate limiter.
// rate is the sustained rate (operations per second)
// burst is the maximum allowed burst (operations)
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst), // Start full
		lastRefill: time.Now(),
	}
}

// Allow checks if an operation is allowed under the rate limit.
// It returns true if allowed, false if rate limited.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.blockedUntil) {
		return false
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}

	return false
}

// Block temporarily blocks all operations for the specified duration.
// Used to back off a sender that keeps failing authorization.
func (r *RateLimiter) Block(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blockedUntil = time.Now().Add(duration)
}

// Blocked reports whether a Block window is currently active.
func (r *RateLimiter) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return time.Now().Before(r.blockedUntil)
}

// Reset resets the rate limiter to full capacity.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = float64(r.burst)
	r.lastRefill = time.Now()
	r.blockedUntil = time.Time{}
}
