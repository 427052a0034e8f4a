// Package ratelimit implements the distributed token-bucket fabric. Buckets
// live in the shared cache and are mutated only by a server-side script, so
// any number of workers can draw from the same bucket without races. On
// cache failure every acquisition fails open: the platform prefers
// over-delivery to stalled pipelines.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sendfabric/internal/db"
	"sendfabric/internal/observability"
)

// tokenBucketScript refills the bucket for the elapsed time, grants up to
// the requested tokens and writes the state back, all in one server-side
// step. The TTL doubles as garbage collection for idle buckets.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_update")
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil or last == nil then
    tokens = capacity
    last = now_ms
end

local elapsed = now_ms - last
if elapsed < 0 then
    elapsed = 0
end

tokens = math.min(tokens + elapsed * rate / 1000.0, capacity)

local granted = math.min(math.floor(tokens), requested)
if granted < 0 then
    granted = 0
end
tokens = tokens - granted

redis.call("HSET", key, "tokens", tostring(tokens), "last_update", tostring(now_ms))
redis.call("EXPIRE", key, ttl)

return {granted, tostring(tokens)}
`

type Limiter struct {
	redis   *db.RedisClient
	logger  *zap.Logger
	metrics *observability.Metrics
	script  *redis.Script
}

func NewLimiter(rdb *db.RedisClient, logger *zap.Logger, metrics *observability.Metrics) *Limiter {
	return &Limiter{
		redis:   rdb,
		logger:  logger,
		metrics: metrics,
		script:  redis.NewScript(tokenBucketScript),
	}
}

// AcquireN atomically grants min(floor(tokens), n) from the bucket. On a
// cache error the full request is granted (fail-open) and the alarm counter
// is incremented.
func (l *Limiter) AcquireN(ctx context.Context, key string, rate float64, burst int, n int) (granted int, remaining float64, err error) {
	if rate <= 0 || n <= 0 {
		return n, float64(burst), nil
	}

	ttl := int((float64(burst)/rate)*2) + 10
	now := time.Now().UnixMilli()

	res, err := l.script.Run(ctx, l.redis.Client, []string{key},
		rate, burst, now, n, ttl).Result()
	if err != nil {
		l.metrics.RateLimitFailOpen.Inc()
		l.logger.Warn("rate limiter failing open",
			zap.String("bucket", key),
			zap.Error(err))
		return n, 0, nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		l.metrics.RateLimitFailOpen.Inc()
		l.logger.Warn("rate limiter returned unexpected shape, failing open",
			zap.String("bucket", key))
		return n, 0, nil
	}

	granted = int(vals[0].(int64))
	if s, ok := vals[1].(string); ok {
		remaining, _ = strconv.ParseFloat(s, 64)
	}
	return granted, remaining, nil
}

// Acquire grants a single token.
func (l *Limiter) Acquire(ctx context.Context, key string, rate float64, burst int) (bool, error) {
	granted, _, err := l.AcquireN(ctx, key, rate, burst, 1)
	return granted == 1, err
}

// CheckDaily enforces a per-config daily ceiling with a plain counter keyed
// by UTC day. Fail-open like the buckets.
func (l *Limiter) CheckDaily(ctx context.Context, configID string, limit int) bool {
	if limit <= 0 {
		return true
	}
	key := fmt.Sprintf("daily:%s:%s", configID, time.Now().UTC().Format("20060102"))

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		l.metrics.RateLimitFailOpen.Inc()
		l.logger.Warn("daily limit check failing open", zap.Error(err))
		return true
	}

	if incr.Val() > int64(limit) {
		// Undo the speculative increment so retries do not inflate the count.
		l.redis.Decr(ctx, key)
		return false
	}
	return true
}
