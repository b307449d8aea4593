// internal/cache/cache.go
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value cache with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Claimer grants short exclusive claims on a key, used to keep one worker on
// one webhook event at a time.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
