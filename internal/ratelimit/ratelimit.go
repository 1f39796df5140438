// Package ratelimit counts predictions per user in a fixed window backed by
// redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"model-gateway/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// windowScript runs the whole check as one redis operation so concurrent
// requests of a user can not both pass the last free slot.
//
// KEYS[1] counter key, ARGV[1] ceiling, ARGV[2] window in seconds.
// Returns the count after this request, or -1 when the ceiling is reached.
var windowScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	redis.call('SET', KEYS[1], 1, 'EX', ARGV[2])
	return 1
end
if redis.call('TTL', KEYS[1]) == -1 then
	redis.call('SET', KEYS[1], 1, 'EX', ARGV[2])
	return 1
end
if tonumber(current) < tonumber(ARGV[1]) then
	return redis.call('INCR', KEYS[1])
end
return -1
`)

type Decision struct {
	Allowed bool
	Count   int64
	// set when the request was rejected
	RetryAfter time.Duration
}

type Limiter struct {
	rdb    redis.Scripter
	max    int
	window time.Duration
	log    *zap.SugaredLogger
}

func New(rdb redis.Scripter, max int, window time.Duration, log *zap.SugaredLogger) *Limiter {
	return &Limiter{rdb: rdb, max: max, window: window, log: log}
}

func key(username string) string {
	return fmt.Sprintf("gateway:v1:ratelimit:%s", username)
}

// Allow counts one request for username. Errors mean the store could not be
// reached, callers decide what to do with that.
func (l *Limiter) Allow(ctx context.Context, username string) (Decision, error) {
	windowSecs := int64(l.window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	count, err := windowScript.Run(ctx, l.rdb, []string{key(username)}, l.max, windowSecs).Int64()
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if count < 0 {
		metrics.RateLimitDecisions.WithLabelValues("rejected").Inc()
		l.log.Infow("Rate limit exceeded", "username", username, "max", l.max)
		return Decision{Allowed: false, Count: int64(l.max), RetryAfter: l.window}, nil
	}
	metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	l.log.Debugw("Rate limit counted", "username", username, "count", count)
	return Decision{Allowed: true, Count: count}, nil
}

// Connect returns a client for addrs, or nil when redis is not configured. A
// nil client turns rate limiting off. An unreachable redis still yields a
// client, checks fail open until it comes up.
func Connect(ctx context.Context, addrs []string, password string, log *zap.SugaredLogger) redis.UniversalClient {
	if len(addrs) == 0 {
		log.Warnw("No redis configured, rate limiting disabled")
		return nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warnw("Redis unreachable, rate limit checks fail open until it responds", "addrs", addrs, "error", err)
	}
	return rdb
}
