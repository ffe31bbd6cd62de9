// internal/ratelimit/redis.go
// Redis-backed Store for multi-process deployments. The counter is an
// atomic INCR with a window-length expiry set on first increment, so all
// processes sharing the Redis instance share one fixed window per key.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AppleLamps/zapp/internal/config"
)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at url and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// CheckAndConsume implements Store. The INCR/PEXPIRE pair runs in a
// pipeline; PEXPIRE with NX only arms the expiry on the increment that
// created the key, which starts the window.
func (s *RedisStore) CheckAndConsume(ctx context.Context, subject, scope string, cfg config.LimitConfig) (Decision, error) {
	key := "ratelimit:" + scope + ":" + subject

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, cfg.Window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := int(incr.Val())
	resetAt := time.Now().Add(ttl.Val())

	if count > cfg.Max {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	remaining := cfg.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}
