// Package ratelimit implements sliding-window request counting, in memory or
// on Redis, and the policy-driven limiter the gateway consults per route.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRedisUnavailable is returned when Redis cannot be reached and no
// in-memory fallback is configured.
var ErrRedisUnavailable = errors.New("redis unavailable for rate limiting")

// WindowResult is the outcome of a single sliding-window check.
type WindowResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Counter records hits per key over a sliding window.
//
// Check drops hits at or before now-window, denies when the remaining count
// has reached limit, and otherwise records now. Undo removes the most recent
// recorded hit for key.
type Counter interface {
	Check(ctx context.Context, key string, window time.Duration, limit int) (WindowResult, error)
	Undo(ctx context.Context, key string) error
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}
