// Package ratelimit ограничивает частоту запросов по скользящему окну в Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "budgetrank:ratelimit:"

// Result - итог проверки лимита.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter описывает проверку лимита для ключа.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// RedisLimiter - скользящее окно на сортированных множествах Redis.
// Отклонённые попытки в окне не учитываются.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter создаёт ограничитель: не более limit запросов на ключ за window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Allow учитывает попытку для key и сообщает, укладывается ли она в лимит.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	if l.client == nil {
		return nil, errors.New("redis client is not configured for rate limiting")
	}

	now := l.now()
	if l.limit <= 0 {
		return &Result{Allowed: false, ResetAt: now.Add(l.window)}, nil
	}

	redisKey := keyPrefix + key
	member := uuid.NewString()
	cutoff := now.Add(-l.window).UnixMicro()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, 2*l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limiter pipeline failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("rate limiter pipeline: %w", err)
	}

	count := int(countCmd.Val())

	resetAt := now.Add(l.window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.UnixMicro(int64(oldest[0].Score)).Add(l.window)
	}

	if count > l.limit {
		if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			l.logger.Warn("rate limiter failed to drop rejected attempt", zap.String("key", key), zap.Error(err))
		}
		return &Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	return &Result{
		Allowed:   true,
		Remaining: l.limit - count,
		ResetAt:   resetAt,
	}, nil
}

// Ping проверяет доступность Redis.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
