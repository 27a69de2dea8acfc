// Package ratelimit gates how often a student may resubmit.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter reserves one action per key per interval. Reserve returns zero
// when the action may proceed (and records it), or the remaining wait.
type Limiter interface {
	Reserve(ctx context.Context, key string, interval time.Duration) (time.Duration, error)
}

// RedisLimiter shares the limit across nodes with SET NX + PTTL.
type RedisLimiter struct {
	Client *redis.Client
	Prefix string
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{Client: client, Prefix: "capa:ratelimit:"}
}

func (l *RedisLimiter) Reserve(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		return 0, nil
	}
	ok, err := l.Client.SetNX(ctx, l.Prefix+key, 1, interval).Result()
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}
	ttl, err := l.Client.PTTL(ctx, l.Prefix+key).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return interval, nil
	}
	return ttl, nil
}

// MemoryLimiter is the single-node fallback when redis is not configured.
type MemoryLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{last: map[string]time.Time{}, now: time.Now}
}

func (l *MemoryLimiter) Reserve(_ context.Context, key string, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if prev, ok := l.last[key]; ok {
		if wait := interval - now.Sub(prev); wait > 0 {
			return wait, nil
		}
	}
	l.last[key] = now
	return 0, nil
}
