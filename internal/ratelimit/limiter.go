// Package ratelimit throttles chat posting with a fixed-window INCR + EXPIRE
// counter kept in Redis.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const messageKeyPrefix = "agora:rl:msg:"

var errMissingCounter = errors.New("ratelimit: counter required")

// Rule is a fixed-window policy.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Counter is the subset of Redis commands the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCounter adapts a go-redis client to Counter.
type RedisCounter struct {
	client redis.UniversalClient
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

func (c *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

func (c *RedisCounter) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Limiter decides whether a user may post another message in the current window.
type Limiter struct {
	counter Counter
	rule    Rule
	logger  *zap.Logger
}

func NewLimiter(counter Counter, rule Rule, logger *zap.Logger) (*Limiter, error) {
	if counter == nil {
		return nil, errMissingCounter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{counter: counter, rule: rule, logger: logger}, nil
}

// Allow increments the user's counter and reports whether the user is within the
// limit. Counter errors fail open.
func (l *Limiter) Allow(ctx context.Context, userID int64) bool {
	if l == nil || l.rule.Limit <= 0 {
		return true
	}
	key := messageKeyPrefix + strconv.FormatInt(userID, 10)

	count, err := l.counter.Incr(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	if count == 1 {
		if err := l.counter.Expire(ctx, key, l.rule.Window); err != nil {
			l.logger.Warn("rate limit expiry failed", zap.String("key", key), zap.Error(err))
			_ = l.counter.Del(ctx, key)
			return true
		}
	}
	return count <= int64(l.rule.Limit)
}
