// Copyright 2025 James Ross

// Package ratelimit gates C3 Executor invocations with a Redis-backed
// token bucket per task, so one task's execution burst cannot starve
// sandbox sessions the pool owes every other task. Grounded on
// internal/advanced-rate-limiting's RateLimiter: the same atomic
// consume-via-Lua-script token bucket, generalized from a multi-tenant
// API gateway limiter (global + per-tenant buckets, priority weighting)
// down to the one scope this engine needs, per-task throughput.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config configures the per-task token bucket. A zero RatePerSecond
// disables limiting entirely (New returns a Limiter whose Allow always
// succeeds without touching Redis).
type Config struct {
	RatePerSecond int64
	BurstSize     int64
	KeyTTL        time.Duration
}

// Limiter is a Redis-backed token bucket keyed by scope (task ID).
type Limiter struct {
	rdb    *redis.Client
	cfg    Config
	log    *zap.Logger
	script *redis.Script
}

// consumeScript atomically refills and consumes one token from the
// bucket named by KEYS[1], mirroring the teacher's consumeScript but
// trimmed to the single-scope, single-token case the executor needs.
const consumeScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

local elapsed_ms = now - last_refill
local refilled = math.floor(elapsed_ms * refill_rate / 1000)
tokens = math.min(capacity, tokens + refilled)

local allowed = tokens >= 1
if allowed then
	tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, ttl)

return {allowed and 1 or 0, tokens}
`

// New returns a Limiter. rdb may be nil only if cfg.RatePerSecond is 0.
func New(rdb *redis.Client, cfg Config, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{rdb: rdb, cfg: cfg, log: log, script: redis.NewScript(consumeScript)}
}

// Allow consumes one token from scope's bucket, returning false when the
// bucket is empty. A disabled limiter (RatePerSecond <= 0) always allows.
func (l *Limiter) Allow(ctx context.Context, scope string) (bool, error) {
	if l == nil || l.cfg.RatePerSecond <= 0 {
		return true, nil
	}

	ttl := l.cfg.KeyTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	key := fmt.Sprintf("loopai:ratelimit:%s", scope)
	res, err := l.script.Run(ctx, l.rdb, []string{key},
		l.cfg.BurstSize, l.cfg.RatePerSecond, time.Now().UnixMilli(), int64(ttl.Seconds()),
	).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: running consume script: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 1 {
		return false, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed, _ := values[0].(int64)
	return allowed == 1, nil
}
