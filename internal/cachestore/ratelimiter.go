package cachestore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ndajr/shorturls/internal/config"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimiterInternal = errors.New("internal error")
	ErrRateLimiterExceeded = errors.New("rate limit exceeded")
)

// Token bucket, evaluated atomically on the server.
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local refill_rate = tonumber(ARGV[2])
	local refill_period = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])

	local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(bucket[1]) or capacity
	local last_refill = tonumber(bucket[2]) or now

	local elapsed = now - last_refill
	local periods = math.floor(elapsed / refill_period)

	if periods > 0 then
		tokens = math.min(capacity, tokens + (periods * refill_rate))
		last_refill = last_refill + (periods * refill_period)
	end

	local allowed = tokens > 0
	if allowed then
		tokens = tokens - 1
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill', last_refill)
	redis.call('EXPIRE', key, refill_period * 2)

	return allowed and 1 or 0
`)

// RateLimiter implements a Redis-based token bucket rate limiter
type RateLimiter struct {
	logger  *slog.Logger
	client  *redis.Client
	config  config.RateLimiter
	metrics Metrics
}

// NewRateLimiter creates a new rate limiter sharing the cache connection.
func NewRateLimiter(logger *slog.Logger, cache *Cache, cfg config.RateLimiter) RateLimiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rate_limit:"
	}
	if cfg.RefillPeriod < time.Second {
		cfg.RefillPeriod = time.Second
	}

	return RateLimiter{
		logger:  logger,
		client:  cache.rdb,
		config:  cfg,
		metrics: newMetrics(),
	}
}

// Allow checks if a request is allowed for the given key
func (rl RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := rl.config.KeyPrefix + key
	now := time.Now().Unix()

	result, err := tokenBucket.Run(ctx, rl.client, []string{redisKey},
		rl.config.Capacity,
		rl.config.RefillRate,
		int(rl.config.RefillPeriod.Seconds()),
		now,
	).Int64()
	if err != nil {
		rl.logger.Error("redis eval failed", "error", err)
		return false, ErrRateLimiterInternal
	}

	if result != 1 {
		rl.metrics.RateLimited.WithLabelValues(rl.config.KeyPrefix).Inc()
		return false, nil
	}
	return true, nil
}
