// Package ratelimit implements a sliding-window limiter on Redis
// sorted sets, shared across backend replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	cli    *redis.Client
	limit  int
	window time.Duration
}

func NewLimiter(cli *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{
		cli:    cli,
		limit:  limit,
		window: window,
	}
}

// Allow records one hit for key and reports whether the caller is still
// within the window budget. The hit is recorded even when the budget is
// exceeded so that hammering keeps the window full.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	rlKey := l.key(key)

	pipe := l.cli.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rlKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, rlKey)
	pipe.ZAdd(ctx, rlKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.New().String(),
	})
	pipe.Expire(ctx, rlKey, l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return countCmd.Val() < int64(l.limit), nil
}

func (l *Limiter) key(key string) string {
	return fmt.Sprintf("kiosk:ratelimit:%s", key)
}
