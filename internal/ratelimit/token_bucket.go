// Package ratelimit provides request limiters keyed by caller.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a distributed token bucket kept in Redis, shared by every
// API replica.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket allows perMinute requests per key per minute with bursts up
// to perMinute.
func NewTokenBucket(client *redis.Client, perMinute int) *TokenBucket {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &TokenBucket{
		client:   client,
		capacity: perMinute,
		refill:   float64(perMinute) / 60,
		ttl:      2 * time.Minute,
		prefix:   "flowtra:ratelimit:",
		now:      time.Now,
	}
}

// Allow consumes one token for key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("ratelimit: run script: %w", err)
	}
	if len(res) < 1 {
		return false, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	return res[0] == 1, nil
}

// tokens are returned floored so the reply stays an integer array.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
