package middleware

import (
	"context"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter enforces one budget per client across every replica that
// shares the redis instance. It uses the GCRA implementation of redis_rate.
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisRateLimiter builds a limiter over client with the same rate and
// burst semantics as RateLimiter
func NewRedisRateLimiter(client *redis.Client, cfg RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  cfg.BurstSize,
			Period: time.Minute,
		},
		prefix: "ratelimit:",
	}
}

// Allow takes one token for key from the shared bucket
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN takes n tokens for key from the shared bucket
func (r *RedisRateLimiter) AllowN(ctx context.Context, key string, n int) (Decision, error) {
	n = min(max(n, 1), r.limit.Burst)
	res, err := r.limiter.AllowN(ctx, r.prefix+key, r.limit, n)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: max(res.RetryAfter, 0),
	}, nil
}

// Limit reports the configured requests per minute
func (r *RedisRateLimiter) Limit() int { return r.limit.Rate }
