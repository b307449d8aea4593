// internal/middleware/rate_limit.go
package middleware

import (
	"context"
	"strconv"

	xerrors "clinic-billing-service/internal/pkg/errors"
	"clinic-billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Limiter counts attempts per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

// TenantRateLimit caps billing mutations per tenant. A limiter outage lets
// the request through.
func TenantRateLimit(limiter Limiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := GetTenantID(c)
		if limiter == nil || tenantID == "" {
			c.Next()
			return
		}

		allowed, remaining, err := limiter.Allow(c.Request.Context(), tenantID)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !allowed {
			response.FromError(c, xerrors.ErrRateLimited)
			return
		}
		c.Next()
	}
}
