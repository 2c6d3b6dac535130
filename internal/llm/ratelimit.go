package llm

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills a per-model bucket at rate/60 tokens per second
// up to burst, then takes one token if available. Atomic so every process
// sharing the Redis sees one consistent bucket.
//
// KEYS[1] = bucket key
// ARGV[1] = rate per minute, ARGV[2] = burst, ARGV[3] = now (unix ms)
// Returns 1 if a token was taken, 0 if the bucket is empty.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate / 60000.0)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, 120000)
return allowed
`)

// RateLimiter is a Redis-backed token bucket per model.
type RateLimiter struct {
	rdb *redis.Client
}

// NewRateLimiter creates a rate limiter on the shared Redis.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{rdb: rdb}
}

// Allow takes one token from the model's bucket, reporting whether the call
// may proceed now.
func (rl *RateLimiter) Allow(ctx context.Context, model string, ratePerMinute int) (bool, error) {
	burst := ratePerMinute / 6
	if burst < 1 {
		burst = 1
	}
	res, err := tokenBucketScript.Run(ctx, rl.rdb,
		[]string{"llm:rate:" + model},
		ratePerMinute, burst, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Wait blocks until a token is available or ctx is done. Redis errors are
// treated as allow: a broken limiter must not take the pipeline down.
func (rl *RateLimiter) Wait(ctx context.Context, model string, ratePerMinute int) error {
	for {
		ok, err := rl.Allow(ctx, model, ratePerMinute)
		if err != nil || ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
