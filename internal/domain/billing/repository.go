// internal/domain/billing/repository.go
package billing

import (
	"context"
	"time"

	"clinic-billing-service/internal/domain/audit"
)

// Store is the subscription store. Every mutation runs inside InTx.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	FindByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	FindTenantIDByProviderID(ctx context.Context, providerSubscriptionID string) (string, error)
	ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
	ListLinked(ctx context.Context, limit int) ([]*Subscription, error)
}

// Tx is one storage transaction. Lock order is tenant row first, then subscription row.
type Tx interface {
	LockTenant(ctx context.Context, tenantID string) (*Tenant, error)
	// LockSubscription returns (nil, nil) when the tenant has no subscription yet.
	LockSubscription(ctx context.Context, tenantID string) (*Subscription, error)

	InsertSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	SetTenantBillingStatus(ctx context.Context, tenantID string, status BillingStatus) error
	AppendAudit(ctx context.Context, e *audit.Entry) error

	// MarkEventProcessed records a webhook event id. It returns false when
	// the id was already recorded.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}
