// internal/app/health.go
package app

import (
	"context"
	"time"

	"clinic-billing-service/internal/pkg/breaker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type HealthChecker interface {
	Check(ctx context.Context) (map[string]string, bool)
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthChecker struct {
	db      Pinger
	redis   redis.UniversalClient // nil with the memory cache backend
	breaker *breaker.Breaker
}

var _ Pinger = (*pgxpool.Pool)(nil)

func NewHealthChecker(db Pinger, rdb redis.UniversalClient, br *breaker.Breaker) HealthChecker {
	return &healthChecker{db: db, redis: rdb, breaker: br}
}

// Check pings the stores. An open breaker is reported but does not fail the
// check: reads and webhooks keep working while the provider is down.
func (h *healthChecker) Check(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.db.Ping(ctx); err != nil {
		checks["postgres"] = "down"
		healthy = false
	} else {
		checks["postgres"] = "up"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			healthy = false
		} else {
			checks["redis"] = "up"
		}
	}

	if h.breaker != nil {
		checks["provider"] = h.breaker.State().String()
	}
	return checks, healthy
}
