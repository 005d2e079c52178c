package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a distributed per-source token bucket backed by Redis, so
// every worker process draws from the same per-minute budget.
type RateLimiter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRateLimiter constructs a limiter. Bucket keys expire after ttl of
// inactivity.
func NewRateLimiter(client *redis.Client, ttl time.Duration) *RateLimiter {
	return &RateLimiter{client: client, ttl: ttl}
}

func bucketKey(sourceID string) string {
	return "govern:rate:" + sourceID
}

// Allow consumes a single token for the source if available. Returns the
// allowed flag and the remaining token count.
func (l *RateLimiter) Allow(ctx context.Context, sourceID string, perMinute int) (bool, float64, error) {
	if perMinute <= 0 {
		return true, 0, nil
	}
	now := time.Now().UnixMilli()
	refillPerSecond := float64(perMinute) / 60.0
	res, err := bucketScript.Run(ctx, l.client, []string{bucketKey(sourceID)},
		perMinute, refillPerSecond, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

// Wait blocks until a token is available for the source or the context is
// cancelled. Workers wait rather than erroring when a source's budget is
// exhausted.
func (l *RateLimiter) Wait(ctx context.Context, sourceID string, perMinute int) error {
	for {
		allowed, _, err := l.Allow(ctx, sourceID, perMinute)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		interval := time.Minute / time.Duration(maxInt(perMinute, 1))
		if interval > 5*time.Second {
			interval = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
