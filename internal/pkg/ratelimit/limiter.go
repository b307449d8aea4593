// internal/pkg/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter in Redis, shared by every replica.
type Limiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

func New(client redis.UniversalClient, prefix string, limit int64, window time.Duration) *Limiter {
	return &Limiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow counts one attempt for key and reports whether it fits the window.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int64, error) {
	k := fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	// first hit opens the window
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate window: %w", err)
		}
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= l.limit, remaining, nil
}

// Reset clears the counter for key
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)).Err()
}
