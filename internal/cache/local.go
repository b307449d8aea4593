// internal/cache/local.go
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Local is an in-process cache backed by ristretto.
type Local struct {
	c *ristretto.Cache[string, []byte]
}

// NewLocal creates a cache holding at most maxCostBytes of values.
func NewLocal(maxCostBytes int64) (*Local, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Local{c: c}, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := l.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set waits for the write buffer so the value is readable on return.
func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	l.c.SetWithTTL(key, value, int64(len(value)), ttl)
	l.c.Wait()
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	l.c.Del(key)
	return nil
}

func (l *Local) Close() {
	l.c.Close()
}

// LocalClaims is a single-process Claimer for deployments without Redis.
type LocalClaims struct {
	now func() time.Time

	mu     sync.Mutex
	claims map[string]time.Time
}

func NewLocalClaims() *LocalClaims {
	return &LocalClaims{now: time.Now, claims: make(map[string]time.Time)}
}

func (c *LocalClaims) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, ok := c.claims[key]; ok && now.Before(until) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)
	return true, nil
}

func (c *LocalClaims) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}
