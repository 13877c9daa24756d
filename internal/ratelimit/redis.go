package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedisCounterConfig configures a RedisCounter.
type RedisCounterConfig struct {
	// KeyPrefix is prepended to every Redis key.
	KeyPrefix string
	// EnableFallback routes checks to an in-memory counter while Redis is down.
	EnableFallback bool
	// FallbackMaxKeys and FallbackTTL size the in-memory fallback.
	FallbackMaxKeys int
	FallbackTTL     time.Duration
	// RetryInterval is how long Redis is skipped after a failure.
	RetryInterval time.Duration
}

// DefaultRedisCounterConfig returns the defaults used by the server.
func DefaultRedisCounterConfig() RedisCounterConfig {
	return RedisCounterConfig{
		KeyPrefix:       "deckguard:ratelimit:",
		EnableFallback:  true,
		FallbackMaxKeys: DefaultMaxKeys,
		FallbackTTL:     DefaultKeyTTL,
		RetryInterval:   30 * time.Second,
	}
}

// RedisCounter is a Counter shared across gateway instances through Redis
// sorted sets. While Redis is unreachable it degrades to a MemoryCounter.
type RedisCounter struct {
	client   WindowClient
	config   RedisCounterConfig
	fallback *MemoryCounter
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.RWMutex
	unavailable bool
	failedAt    time.Time
}

// NewRedisCounter creates a RedisCounter.
func NewRedisCounter(client WindowClient, config RedisCounterConfig, logger *zap.Logger) *RedisCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RedisCounter{
		client: client,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	if config.EnableFallback {
		c.fallback = NewMemoryCounter(config.FallbackMaxKeys, config.FallbackTTL)
	}
	return c
}

// SetClock replaces the time source of the counter and its fallback.
func (c *RedisCounter) SetClock(now func() time.Time) {
	c.now = now
	if c.fallback != nil {
		c.fallback.SetClock(now)
	}
}

// Check implements Counter.
func (c *RedisCounter) Check(ctx context.Context, key string, window time.Duration, limit int) (WindowResult, error) {
	if !c.shouldTryRedis() {
		return c.fallbackCheck(ctx, key, window, limit)
	}

	now := c.now()
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%s-%s", msString(nowMs), uuid.NewString())
	allowed, count, oldestMs, err := c.client.Slide(ctx, c.config.KeyPrefix+key, nowMs, window.Milliseconds(), limit, member)
	if err != nil {
		c.markRedisUnavailable(err)
		return c.fallbackCheck(ctx, key, window, limit)
	}
	c.markRedisAvailable()

	resetAt := time.UnixMilli(oldestMs).Add(window)
	res := WindowResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining(limit, count),
		ResetAt:   resetAt,
	}
	if !allowed {
		res.RetryAfter = resetAt.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res, nil
}

// Undo implements Counter.
func (c *RedisCounter) Undo(ctx context.Context, key string) error {
	if !c.shouldTryRedis() {
		if c.fallback == nil {
			return ErrRedisUnavailable
		}
		return c.fallback.Undo(ctx, key)
	}
	if err := c.client.PopNewest(ctx, c.config.KeyPrefix+key); err != nil {
		c.markRedisUnavailable(err)
		if c.fallback == nil {
			return fmt.Errorf("failed to undo rate limit hit: %w", err)
		}
		return c.fallback.Undo(ctx, key)
	}
	return nil
}

// IsRedisAvailable reports whether the last Redis operation succeeded.
func (c *RedisCounter) IsRedisAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.unavailable
}

// CheckRedisHealth pings Redis and updates availability.
func (c *RedisCounter) CheckRedisHealth(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		c.markRedisUnavailable(err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	c.markRedisAvailable()
	return nil
}

func (c *RedisCounter) fallbackCheck(ctx context.Context, key string, window time.Duration, limit int) (WindowResult, error) {
	if c.fallback == nil {
		return WindowResult{Limit: limit}, ErrRedisUnavailable
	}
	return c.fallback.Check(ctx, key, window, limit)
}

func (c *RedisCounter) shouldTryRedis() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.unavailable {
		return true
	}
	return c.now().Sub(c.failedAt) >= c.config.RetryInterval
}

func (c *RedisCounter) markRedisUnavailable(err error) {
	c.mu.Lock()
	wasAvailable := !c.unavailable
	c.unavailable = true
	c.failedAt = c.now()
	c.mu.Unlock()
	if wasAvailable {
		c.logger.Warn("Redis rate limiting unavailable, using in-memory fallback",
			zap.Bool("fallback_enabled", c.fallback != nil),
			zap.Error(err))
	}
}

func (c *RedisCounter) markRedisAvailable() {
	c.mu.Lock()
	wasUnavailable := c.unavailable
	c.unavailable = false
	c.mu.Unlock()
	if wasUnavailable {
		c.logger.Info("Redis rate limiting recovered")
	}
}
