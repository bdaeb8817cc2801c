package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default admission window for a single subscription.
const (
	DefaultRateLimitWindow   = time.Minute
	DefaultRateLimitCapacity = 10
)

// RateLimiter is a per-subscription fixed-window admission gate backed by a
// shared Redis counter, so the limit holds across service instances. It is
// advisory: a rejected dispatch is skipped, not queued, and slight races at
// the window edge are tolerated.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	window      time.Duration
	capacity    int
}

// Lua script for atomic fixed-window admission.
// 1. No counter (or expired window): start a new window at count=1, admit.
// 2. Counter at most the capacity: increment; admit while the new count is
//    within capacity.
// 3. Already past the capacity: reject without touching the counter, so a
//    burst of rejected calls does not keep mutating window state.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])

local count = redis.call('GET', key)
if not count then
    redis.call('SET', key, 1, 'PX', window_ms)
    return 1
end

count = tonumber(count)
if count > capacity then
    return 0
end

count = redis.call('INCR', key)
if count <= capacity then
    return 1
end
return 0
`)

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      fixedWindowScript,
		window:      DefaultRateLimitWindow,
		capacity:    DefaultRateLimitCapacity,
	}
}

func rlKey(subscriptionID string) string {
	return fmt.Sprintf("ratelimit:%s", subscriptionID)
}

// Admit reports whether a dispatch to this subscription is within the rate
// limit. Returns true when admitted.
func (rl *RateLimiter) Admit(ctx context.Context, subscriptionID string) bool {
	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(subscriptionID)},
		rl.window.Milliseconds(), rl.capacity,
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "subscription_id", subscriptionID)
		return true // Fail open — admit the dispatch if Redis fails
	}

	if result == 0 {
		rl.logger.Debug("dispatch rate limited",
			"subscription_id", subscriptionID,
			"capacity", rl.capacity,
			"window", rl.window.String(),
		)
		return false
	}

	return true
}
