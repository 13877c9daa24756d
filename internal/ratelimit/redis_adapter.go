package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// slideScript trims the sorted set at KEYS[1] to the window ending at
// ARGV[1] (ms), then records ARGV[4] at ARGV[1] unless ARGV[3] hits are
// already present. Returns {allowed, count, oldestMs}.
var slideScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// WindowClient is the subset of Redis operations RedisCounter needs.
type WindowClient interface {
	// Slide runs the sliding-window script for key.
	Slide(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) (allowed bool, count int, oldestMs int64, err error)
	// PopNewest removes the highest-scored member of key.
	PopNewest(ctx context.Context, key string) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// RedisAdapter adapts a go-redis client to WindowClient.
type RedisAdapter struct {
	Client redis.UniversalClient
}

// NewRedisAdapter wraps client.
func NewRedisAdapter(client redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{Client: client}
}

// Slide implements WindowClient.
func (a *RedisAdapter) Slide(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) (bool, int, int64, error) {
	raw, err := slideScript.Run(ctx, a.Client, []string{key}, nowMs, windowMs, limit, member).Int64Slice()
	if err != nil {
		return false, 0, 0, err
	}
	if len(raw) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected sliding window reply of length %d", len(raw))
	}
	return raw[0] == 1, int(raw[1]), raw[2], nil
}

// PopNewest implements WindowClient.
func (a *RedisAdapter) PopNewest(ctx context.Context, key string) error {
	err := a.Client.ZPopMax(ctx, key, 1).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

// Ping implements WindowClient.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.Client.Ping(ctx).Err()
}

func msString(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
