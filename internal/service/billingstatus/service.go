// internal/service/billingstatus/service.go
package billingstatus

import (
	"context"
	"fmt"
	"time"

	"clinic-billing-service/internal/cache"
	"clinic-billing-service/internal/domain/billing"
	"clinic-billing-service/internal/metrics"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	DefaultTTL  = 5 * time.Minute
	keyPrefix   = "billing:status:"
	fencePrefix = "billing:fence:"
)

// TenantReader loads the authoritative tenant row on a cache miss.
type TenantReader interface {
	GetTenant(ctx context.Context, tenantID string) (*billing.Tenant, error)
}

// Service answers access checks from a short-lived cache of each tenant's
// billing status. Cache failures degrade to reading the store.
type Service struct {
	tenants TenantReader
	cache   cache.Cache
	ttl     time.Duration
	logger  *zap.Logger
}

func NewService(tenants TenantReader, c cache.Cache, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{tenants: tenants, cache: c, ttl: ttl, logger: logger}
}

func Key(tenantID string) string { return keyPrefix + tenantID }

func fenceKey(tenantID string) string { return fencePrefix + tenantID }

// GetBillingStatus returns the tenant's billing status, cached for the TTL.
func (s *Service) GetBillingStatus(ctx context.Context, tenantID string) (billing.BillingStatus, error) {
	raw, found, err := s.cache.Get(ctx, Key(tenantID))
	switch {
	case err != nil:
		metrics.StatusCacheLookupsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("billing status cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
	case found:
		if status := billing.BillingStatus(raw); status.Valid() {
			metrics.StatusCacheLookupsTotal.WithLabelValues("hit").Inc()
			return status, nil
		}
	default:
		metrics.StatusCacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	fence, fenceErr := s.fence(ctx, tenantID)
	tn, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to load billing status: %w", err)
	}
	if fenceErr == nil {
		s.store(ctx, tenantID, tn.BillingStatus, fence)
	}
	return tn.BillingStatus, nil
}

// store caches a status read from the database. An Invalidate that ran while
// the read was in flight moves the fence, and the entry is dropped again.
func (s *Service) store(ctx context.Context, tenantID string, status billing.BillingStatus, fence string) {
	if err := s.cache.Set(ctx, Key(tenantID), []byte(status), s.ttl); err != nil {
		s.logger.Warn("billing status cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	after, err := s.fence(ctx, tenantID)
	if err == nil && after == fence {
		return
	}
	metrics.StatusCacheLookupsTotal.WithLabelValues("raced").Inc()
	if err := s.cache.Delete(ctx, Key(tenantID)); err != nil {
		s.logger.Warn("failed to drop raced billing status", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (s *Service) fence(ctx context.Context, tenantID string) (string, error) {
	raw, _, err := s.cache.Get(ctx, fenceKey(tenantID))
	return string(raw), err
}

// HasActiveBilling is true only for ACTIVE. Lookup failures deny.
func (s *Service) HasActiveBilling(ctx context.Context, tenantID string) bool {
	status, err := s.GetBillingStatus(ctx, tenantID)
	if err != nil {
		s.logger.Warn("denying access, billing status unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		return false
	}
	return status.GrantsAccess()
}

func (s *Service) CanAccessAdmin(ctx context.Context, tenantID string) bool {
	return s.HasActiveBilling(ctx, tenantID)
}

// Invalidate evicts the tenant's entry. Called after every committed change.
// The fence moves before the delete so a concurrent miss cannot re-cache the
// status it read before the change.
func (s *Service) Invalidate(ctx context.Context, tenantID string) error {
	if err := s.cache.Set(ctx, fenceKey(tenantID), []byte(ulid.Make().String()), s.ttl); err != nil {
		s.logger.Warn("billing status fence write failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return s.cache.Delete(ctx, Key(tenantID))
}
