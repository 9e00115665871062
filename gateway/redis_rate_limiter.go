// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"aegisgate/platform/shared/logger"
)

// =============================================================================
// Redis-Backed Distributed Rate Limiting
// =============================================================================

// allowScript implements check-then-add atomically so a denied request is
// never written into the window. Scores are microseconds so boundary
// conditions hold at sub-second granularity.
//
// KEYS[1] window key
// ARGV[1] min score still inside the window (exclusive)
// ARGV[2] class quota
// ARGV[3] score for this request
// ARGV[4] unique member for this request
// ARGV[5] key TTL in milliseconds
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
end
return 0
`)

// RedisLimiter enforces sliding-window quotas against a shared Redis, so
// multiple gateway instances observe one combined window per identity.
// When Redis is unreachable it falls back to the local in-memory limiter
// rather than failing the request path.
type RedisLimiter struct {
	client   *redis.Client
	classes  map[string]RateLimitClass
	fallback *SlidingWindowLimiter
	log      *logger.Logger
	nowFn    func() time.Time
	seq      func() string
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(redisURL string, classes map[string]RateLimitClass, log *logger.Logger) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisLimiter(client, classes, log), nil
}

// newRedisLimiter wires a limiter around an existing client. Split out so
// tests can inject a miniredis-backed client.
func newRedisLimiter(client *redis.Client, classes map[string]RateLimitClass, log *logger.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		classes:  classes,
		fallback: NewSlidingWindowLimiter(classes),
		log:      log,
		nowFn:    time.Now,
		seq:      uuid.NewString,
	}
}

// Allow checks and consumes quota for one request against the shared
// window. Unknown classes fail closed; Redis errors fall back to the
// local limiter so a cache outage degrades to per-instance limiting
// instead of an outage of the gateway itself.
func (l *RedisLimiter) Allow(identity, class string) bool {
	cls, ok := l.classes[class]
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := l.nowFn()
	key := fmt.Sprintf("ratelimit:%s:%s", class, identity)
	minScore := now.Add(-cls.Window()).UnixMicro()
	ttl := (cls.Window() + cls.Window()/2).Milliseconds()

	res, err := allowScript.Run(ctx, l.client, []string{key},
		minScore,
		cls.Quota,
		now.UnixMicro(),
		l.seq(),
		ttl,
	).Int()
	if err != nil {
		limiterFallbackTotal.Inc()
		if l.log != nil {
			l.log.Warn(identity, "", "Redis rate limit check failed, using local fallback", map[string]interface{}{
				"class": class,
				"error": err.Error(),
			})
		}
		return l.fallback.Allow(identity, class)
	}

	return res == 1
}

// Status reports the current in-window count from Redis.
func (l *RedisLimiter) Status(ctx context.Context, identity, class string) (int, error) {
	cls, ok := l.classes[class]
	if !ok {
		return 0, fmt.Errorf("unknown rate limit class %q", class)
	}

	key := fmt.Sprintf("ratelimit:%s:%s", class, identity)
	minScore := l.nowFn().Add(-cls.Window()).UnixMicro()

	count, err := l.client.ZCount(ctx, key, fmt.Sprintf("(%d", minScore), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get rate limit status: %w", err)
	}
	return int(count), nil
}

// Flush removes all window data for one identity and class (admin operation).
func (l *RedisLimiter) Flush(ctx context.Context, identity, class string) error {
	key := fmt.Sprintf("ratelimit:%s:%s", class, identity)
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to flush rate limit data: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
