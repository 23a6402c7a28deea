// Package ratelimit implements the Redis-backed token bucket that guards
// the mutating queue API endpoints (cancel/retry/cleanup), grounded on the
// teacher's internal/rate/limiter.go.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/db"
)

// Limiter is a per-caller token bucket stored in Redis so multiple API
// process instances share the same limit.
type Limiter struct {
	redis  *db.Redis
	logger *zap.Logger
	rps    int
	burst  int
}

func NewLimiter(redis *db.Redis, logger *zap.Logger, rps, burst int) *Limiter {
	return &Limiter{redis: redis, logger: logger, rps: rps, burst: burst}
}

// Allow reports whether key (the caller identity, e.g. an API key ID) may
// proceed, refilling tokens based on elapsed time since the last call.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)
	now := time.Now()
	windowStart := now.Truncate(time.Second)

	currentTokensStr, err := l.redis.Get(ctx, redisKey).Result()
	currentTokens := l.burst
	lastRefill := windowStart

	if err == nil {
		var lastRefillUnix int64
		fmt.Sscanf(currentTokensStr, "%d:%d", &currentTokens, &lastRefillUnix)
		lastRefill = time.Unix(lastRefillUnix, 0)
	} else if err != redis.Nil {
		return false, 0, fmt.Errorf("read rate limit bucket: %w", err)
	}

	elapsed := windowStart.Sub(lastRefill)
	tokensToAdd := int(elapsed.Seconds()) * l.rps
	if currentTokens+tokensToAdd > l.burst {
		currentTokens = l.burst
	} else {
		currentTokens += tokensToAdd
	}

	if currentTokens <= 0 {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return false, retryAfter, nil
	}

	currentTokens--
	newValue := fmt.Sprintf("%d:%d", currentTokens, windowStart.Unix())
	if err := l.redis.Set(ctx, redisKey, newValue, time.Minute).Err(); err != nil {
		l.logger.Warn("failed to persist rate limit bucket", zap.Error(err))
	}

	return true, 0, nil
}

// Reset clears key's bucket, used by tests and operator tooling.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, fmt.Sprintf("ratelimit:%s", key)).Err()
}
