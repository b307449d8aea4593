// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/billing"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, tenant_id, provider_subscription_id, plan_tier, billing_cycle, status,
	pending_plan_tier, pending_billing_cycle, pending_plan_effective_date,
	cancellation_date, cancellation_effective_date, cancellation_reason,
	current_period_start, current_period_end, renewal_date,
	payment_method_mask, last_payment_amount, last_payment_currency,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		s           billing.Subscription
		providerID  *string
		pendingTier *string
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &providerID, &s.PlanTier, &s.BillingCycle, &s.Status,
		&pendingTier, &s.PendingBillingCycle, &s.PendingPlanEffectiveDate,
		&s.CancellationDate, &s.CancellationEffectiveDate, &s.CancellationReason,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.RenewalDate,
		&s.PaymentMethodMask, &s.LastPaymentAmount, &s.LastPaymentCurrency,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if providerID != nil {
		s.ProviderSubscriptionID = *providerID
	}
	if pendingTier != nil {
		tier := billing.PlanTier(*pendingTier)
		s.PendingPlanTier = &tier
	}
	return &s, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*billing.Subscription, error) {
	defer rows.Close()
	var subs []*billing.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func pendingTierValue(t *billing.PlanTier) *string {
	if t == nil {
		return nil
	}
	v := string(*t)
	return &v
}

// FindByTenant retrieves the tenant's subscription
func (r *SubscriptionRepository) FindByTenant(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.NotFound("subscription for tenant", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

// FindTenantIDByProviderID resolves the owner of a provider subscription
func (r *SubscriptionRepository) FindTenantIDByProviderID(ctx context.Context, providerSubscriptionID string) (string, error) {
	query := `SELECT tenant_id FROM subscriptions WHERE provider_subscription_id = $1`

	var tenantID string
	err := r.db.QueryRow(ctx, query, providerSubscriptionID).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", xerrors.NotFound("provider subscription", providerSubscriptionID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve provider subscription: %w", err)
	}
	return tenantID, nil
}

// ListDueCancellations returns live subscriptions whose scheduled cancellation has come
func (r *SubscriptionRepository) ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('ACTIVE', 'PAST_DUE')
		  AND cancellation_effective_date IS NOT NULL
		  AND cancellation_effective_date <= $1
		ORDER BY cancellation_effective_date
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cancellations: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListLinked returns non-terminal subscriptions known to the provider
func (r *SubscriptionRepository) ListLinked(ctx context.Context, limit int) ([]*billing.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE provider_subscription_id IS NOT NULL
		  AND status NOT IN ('CANCELLED', 'EXPIRED')
		ORDER BY tenant_id
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// LockByTenantWithTx reads and locks the tenant's subscription, nil when none exists
func (r *SubscriptionRepository) LockByTenantWithTx(ctx context.Context, tx pgx.Tx, tenantID string) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1 FOR UPDATE`

	sub, err := scanSubscription(tx.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return sub, nil
}

// CreateWithTx inserts a subscription within a transaction
func (r *SubscriptionRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, s *billing.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, tenant_id, provider_subscription_id, plan_tier, billing_cycle, status,
			pending_plan_tier, pending_billing_cycle, pending_plan_effective_date,
			cancellation_date, cancellation_effective_date, cancellation_reason,
			current_period_start, current_period_end, renewal_date,
			payment_method_mask, last_payment_amount, last_payment_currency,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, query,
		s.ID, s.TenantID, nullable(s.ProviderSubscriptionID), s.PlanTier, s.BillingCycle, s.Status,
		pendingTierValue(s.PendingPlanTier), s.PendingBillingCycle, s.PendingPlanEffectiveDate,
		s.CancellationDate, s.CancellationEffectiveDate, s.CancellationReason,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.RenewalDate,
		s.PaymentMethodMask, s.LastPaymentAmount, s.LastPaymentCurrency,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", translate(err))
	}
	return nil
}

// UpdateWithTx writes the full snapshot within a transaction
func (r *SubscriptionRepository) UpdateWithTx(ctx context.Context, tx pgx.Tx, s *billing.Subscription) error {
	query := `
		UPDATE subscriptions SET
			provider_subscription_id = $2, plan_tier = $3, billing_cycle = $4, status = $5,
			pending_plan_tier = $6, pending_billing_cycle = $7, pending_plan_effective_date = $8,
			cancellation_date = $9, cancellation_effective_date = $10, cancellation_reason = $11,
			current_period_start = $12, current_period_end = $13, renewal_date = $14,
			payment_method_mask = $15, last_payment_amount = $16, last_payment_currency = $17,
			updated_at = $18
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query,
		s.ID, nullable(s.ProviderSubscriptionID), s.PlanTier, s.BillingCycle, s.Status,
		pendingTierValue(s.PendingPlanTier), s.PendingBillingCycle, s.PendingPlanEffectiveDate,
		s.CancellationDate, s.CancellationEffectiveDate, s.CancellationReason,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.RenewalDate,
		s.PaymentMethodMask, s.LastPaymentAmount, s.LastPaymentCurrency,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return xerrors.NotFound("subscription", s.ID)
	}
	return nil
}
