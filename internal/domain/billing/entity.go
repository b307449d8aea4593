// internal/domain/billing/entity.go
package billing

import (
	"fmt"
	"strings"
	"time"
)

type BillingStatus string

const (
	BillingPendingPayment BillingStatus = "PENDING_PAYMENT"
	BillingActive         BillingStatus = "ACTIVE"
	BillingPastDue        BillingStatus = "PAST_DUE"
	BillingSuspended      BillingStatus = "SUSPENDED"
	BillingCanceled       BillingStatus = "CANCELED"
)

func (s BillingStatus) Valid() bool {
	switch s {
	case BillingPendingPayment, BillingActive, BillingPastDue, BillingSuspended, BillingCanceled:
		return true
	}
	return false
}

// GrantsAccess is true only for ACTIVE.
func (s BillingStatus) GrantsAccess() bool { return s == BillingActive }

type PlanTier string

const (
	TierBasic      PlanTier = "BASIC"
	TierPro        PlanTier = "PRO"
	TierEnterprise PlanTier = "ENTERPRISE"
)

var tierRank = map[PlanTier]int{
	TierBasic:      1,
	TierPro:        2,
	TierEnterprise: 3,
}

func (t PlanTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank orders tiers for upgrade/downgrade direction checks.
func (t PlanTier) Rank() int { return tierRank[t] }

func ParsePlanTier(s string) (PlanTier, error) {
	t := PlanTier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
	return t, nil
}

type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleYearly  BillingCycle = "YEARLY"
)

func (c BillingCycle) Valid() bool { return c == CycleMonthly || c == CycleYearly }

func ParseBillingCycle(s string) (BillingCycle, error) {
	c := BillingCycle(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown billing cycle %q", s)
	}
	return c, nil
}

// SubscriptionStatus mirrors the provider's subscription states.
type SubscriptionStatus string

const (
	StatusApprovalPending SubscriptionStatus = "APPROVAL_PENDING"
	StatusApproved        SubscriptionStatus = "APPROVED"
	StatusActive          SubscriptionStatus = "ACTIVE"
	StatusPastDue         SubscriptionStatus = "PAST_DUE"
	StatusSuspended       SubscriptionStatus = "SUSPENDED"
	StatusCancelled       SubscriptionStatus = "CANCELLED"
	StatusExpired         SubscriptionStatus = "EXPIRED"
)

// Terminal statuses cannot be resumed. The row keeps its provider id.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Tenant is owned by tenant management; billing only writes BillingStatus.
type Tenant struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	BillingStatus BillingStatus `json:"billing_status" db:"billing_status"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Subscription is the single per-tenant record correlating local and provider state.
type Subscription struct {
	ID                     string             `json:"id" db:"id"`
	TenantID               string             `json:"tenant_id" db:"tenant_id"`
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty" db:"provider_subscription_id"`
	PlanTier               PlanTier           `json:"plan_tier" db:"plan_tier"`
	BillingCycle           BillingCycle       `json:"billing_cycle" db:"billing_cycle"`
	Status                 SubscriptionStatus `json:"status" db:"status"`

	// Pending tier change; mutually exclusive with a scheduled cancellation
	PendingPlanTier          *PlanTier    `json:"pending_plan_tier,omitempty" db:"pending_plan_tier"`
	PendingBillingCycle      BillingCycle `json:"pending_billing_cycle,omitempty" db:"pending_billing_cycle"`
	PendingPlanEffectiveDate *time.Time   `json:"pending_plan_effective_date,omitempty" db:"pending_plan_effective_date"`

	// Cancellation
	CancellationDate          *time.Time `json:"cancellation_date,omitempty" db:"cancellation_date"`
	CancellationEffectiveDate *time.Time `json:"cancellation_effective_date,omitempty" db:"cancellation_effective_date"`
	CancellationReason        string     `json:"cancellation_reason,omitempty" db:"cancellation_reason"`

	// Billing period
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty" db:"current_period_end"`
	RenewalDate        *time.Time `json:"renewal_date,omitempty" db:"renewal_date"`

	// Payment
	PaymentMethodMask   string `json:"payment_method_mask,omitempty" db:"payment_method_mask"`
	LastPaymentAmount   string `json:"last_payment_amount,omitempty" db:"last_payment_amount"`
	LastPaymentCurrency string `json:"last_payment_currency,omitempty" db:"last_payment_currency"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasPendingPlanChange reports an outstanding tier change.
func (s *Subscription) HasPendingPlanChange() bool { return s.PendingPlanTier != nil }

// HasScheduledCancellation reports a cancellation that has not been carried out yet.
func (s *Subscription) HasScheduledCancellation() bool {
	return s.CancellationEffectiveDate != nil && (s.Status == StatusActive || s.Status == StatusPastDue)
}

// Clone returns a deep copy so transitions never alias the stored snapshot.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.PendingPlanTier != nil {
		t := *s.PendingPlanTier
		c.PendingPlanTier = &t
	}
	c.PendingPlanEffectiveDate = cloneTime(s.PendingPlanEffectiveDate)
	c.CancellationDate = cloneTime(s.CancellationDate)
	c.CancellationEffectiveDate = cloneTime(s.CancellationEffectiveDate)
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.RenewalDate = cloneTime(s.RenewalDate)
	return &c
}

func (s *Subscription) clearPendingPlan() {
	s.PendingPlanTier = nil
	s.PendingBillingCycle = ""
	s.PendingPlanEffectiveDate = nil
}

func (s *Subscription) clearCancellation() {
	s.CancellationDate = nil
	s.CancellationEffectiveDate = nil
	s.CancellationReason = ""
}

// RemoteSnapshot is the provider's view of a subscription.
type RemoteSnapshot struct {
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	Status                 string     `json:"status"`
	PlanID                 string     `json:"plan_id"`
	CustomID               string     `json:"custom_id,omitempty"`
	StartTime              *time.Time `json:"start_time,omitempty"`
	LastPaymentTime        *time.Time `json:"last_payment_time,omitempty"`
	NextBillingTime        *time.Time `json:"next_billing_time,omitempty"`
	LastPaymentAmount      string     `json:"last_payment_amount,omitempty"`
	LastPaymentCurrency    string     `json:"last_payment_currency,omitempty"`
	PayerEmail             string     `json:"-"`
}

// StatusChange is published after a tenant's billing status changes.
type StatusChange struct {
	TenantID   string        `json:"tenant_id"`
	Previous   BillingStatus `json:"previous"`
	Current    BillingStatus `json:"current"`
	PlanTier   PlanTier      `json:"plan_tier,omitempty"`
	Reason     string        `json:"reason"`
	OccurredAt time.Time     `json:"occurred_at"`
}

const correlationPrefix = "tenant_"

// CorrelationID is the custom id sent to the provider for a tenant.
func CorrelationID(tenantID string) string { return correlationPrefix + tenantID }

// ParseCorrelationID extracts the tenant id from a provider custom id.
func ParseCorrelationID(customID string) (string, bool) {
	if !strings.HasPrefix(customID, correlationPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(customID, correlationPrefix)
	return id, id != ""
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 1 {
		return ""
	}
	return email[:1] + "***" + email[at:]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
