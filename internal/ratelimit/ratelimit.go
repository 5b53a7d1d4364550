// Package ratelimit provides atomic send throttling using Redis Lua scripts.
// Prevents race conditions that occur with GET → check → INCR patterns.
// Throttling is optional: without a Redis URL the worker sends unthrottled.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sequence-engine/internal/pkg/logger"
)

// Limit defines send ceilings for one provider.
type Limit struct {
	PerSecond int
	PerMinute int
	PerDay    int
}

// ProviderLimits defines throttling per sending provider.
var ProviderLimits = map[string]Limit{
	"ses":  {PerSecond: 14, PerMinute: 800, PerDay: 50000},
	"mock": {PerSecond: 1000, PerMinute: 60000, PerDay: 10000000},
}

// Lua script for the atomic multi-bucket check: all limits are checked
// before any counter is incremented, so a denied call leaves no trace.
const multiBucketScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])
local dailyLimit = tonumber(ARGV[4])
local secondTTL = tonumber(ARGV[5])
local minuteTTL = tonumber(ARGV[6])
local dailyTTL = tonumber(ARGV[7])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secCurrent + increment > secondLimit then
    return {0, 1, secCurrent}
end
if minCurrent + increment > minuteLimit then
    return {0, 2, minCurrent}
end
if dayCurrent + increment > dailyLimit then
    return {0, 3, dayCurrent}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, secondTTL)
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, minuteTTL)
end

local newDay = redis.call("INCRBY", dailyKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dailyKey, dailyTTL)
end

return {1, 0, newDay}
`

// Limiter throttles sends through pre-compiled Lua scripts.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	log    *logger.Logger
}

// New creates a limiter around an existing Redis client.
func New(client *redis.Client) *Limiter {
	return &Limiter{
		redis:  client,
		script: redis.NewScript(multiBucketScript),
		log:    logger.With("ratelimit"),
	}
}

// NewFromURL connects to Redis and verifies connectivity.
func NewFromURL(ctx context.Context, redisURL string) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return New(client), nil
}

// CheckAndIncrement atomically checks and increments the provider's
// counters. On denial it reports how long to wait before retrying; a
// Redis failure allows the send so a throttle outage never stops the
// pipeline.
func (l *Limiter) CheckAndIncrement(ctx context.Context, providerName string, count int) (allowed bool, wait time.Duration, err error) {
	limits, ok := ProviderLimits[providerName]
	if !ok {
		return false, 0, fmt.Errorf("unknown provider: %s", providerName)
	}

	now := time.Now()
	secondKey := fmt.Sprintf("ratelimit:%s:sec:%d", providerName, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:%s:min:%d", providerName, now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:%s:day:%s", providerName, now.Format("2006-01-02"))

	result, err := l.script.Run(ctx, l.redis,
		[]string{secondKey, minuteKey, dailyKey},
		count,
		limits.PerSecond,
		limits.PerMinute,
		limits.PerDay,
		2,     // second TTL
		120,   // minute TTL
		90000, // daily TTL, 25 hours
	).Slice()

	if err != nil {
		l.log.Warn("rate limit check failed, allowing send", "error", err)
		return true, 0, nil
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case 1:
		wait = time.Second
	case 2:
		wait = time.Duration(60-now.Second()) * time.Second
	case 3:
		return false, 0, fmt.Errorf("daily limit exceeded for %s", providerName)
	}
	return false, wait, nil
}

// Usage returns the current counters for a provider alongside its limits.
func (l *Limiter) Usage(ctx context.Context, providerName string) (map[string]int64, error) {
	now := time.Now()
	secondKey := fmt.Sprintf("ratelimit:%s:sec:%d", providerName, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:%s:min:%d", providerName, now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:%s:day:%s", providerName, now.Format("2006-01-02"))

	pipe := l.redis.Pipeline()
	secCmd := pipe.Get(ctx, secondKey)
	minCmd := pipe.Get(ctx, minuteKey)
	dayCmd := pipe.Get(ctx, dailyKey)
	pipe.Exec(ctx)

	sec, _ := secCmd.Int64()
	min, _ := minCmd.Int64()
	day, _ := dayCmd.Int64()

	limits := ProviderLimits[providerName]

	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(limits.PerSecond),
		"minute_current": min,
		"minute_limit":   int64(limits.PerMinute),
		"daily_current":  day,
		"daily_limit":    int64(limits.PerDay),
	}, nil
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}
