// Package ratelimit implements per-client fixed-window rate limiting with
// two interchangeable backends: Redis (atomic via a Lua script, shared
// across instances) and local memory (per-instance, backed by ristretto).
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrLimiterClosed is returned when Check is called after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// Result holds the outcome of a rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int64         // requests left in the current window
	Limit     int64         // window capacity
	ResetIn   time.Duration // time until the current window expires
}

// RetryAfter returns the duration a rejected client should wait before
// retrying. For a fixed window this is the remainder of the window.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	return r.ResetIn
}

// Backend counts a request against the window for key and reports whether
// it fits. Implementations must be safe for concurrent use.
type Backend interface {
	Check(ctx context.Context, key string) (*Result, error)
	Close() error
}
