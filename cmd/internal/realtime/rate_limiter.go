package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps inbound frames per connection: a burst of limit frames, refilled
// evenly over window.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter falls back to the package defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	every := rate.Every(window / time.Duration(limit))
	return &RateLimiter{lim: rate.NewLimiter(every, limit)}
}

// Allow reports whether a frame arriving at now may be processed.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.lim.AllowN(now, 1)
}
