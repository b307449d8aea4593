// internal/domain/billing/dto.go
package billing

import "time"

type CreateSubscriptionRequest struct {
	PlanTier     PlanTier     `json:"plan_tier" binding:"required"`
	BillingCycle BillingCycle `json:"billing_cycle" binding:"required"`
}

type ChangePlanRequest struct {
	TargetTier   PlanTier     `json:"target_tier" binding:"required"`
	BillingCycle BillingCycle `json:"billing_cycle"`
}

type CancelSubscriptionRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason"`
}

type ConfirmActivationRequest struct {
	ProviderSubscriptionID string `json:"provider_subscription_id" binding:"required"`
}

type ManualOverrideRequest struct {
	TargetTier PlanTier `json:"target_tier" binding:"required"`
	Reason     string   `json:"reason" binding:"required"`
}

// Activation is the input to activate, from a webhook or a confirmation call.
type Activation struct {
	ProviderSubscriptionID string
	TenantID               string
	PlanTier               PlanTier
	BillingCycle           BillingCycle
	Remote                 RemoteSnapshot
}

type CheckoutResult struct {
	ApprovalURL  string             `json:"approval_url"`
	PlanTier     PlanTier           `json:"plan_tier"`
	BillingCycle BillingCycle       `json:"billing_cycle"`
	Status       SubscriptionStatus `json:"status"`
}

type PlanChangeResult struct {
	ApprovalURL              string     `json:"approval_url,omitempty"`
	CurrentPlanTier          PlanTier   `json:"current_plan_tier"`
	PendingPlanTier          PlanTier   `json:"pending_plan_tier"`
	PendingPlanEffectiveDate *time.Time `json:"pending_plan_effective_date,omitempty"`
}

// PlanDetails is the read model exposed to tenant-facing collaborators.
type PlanDetails struct {
	Tier                 PlanTier           `json:"tier"`
	Price                string             `json:"price"`
	Currency             string             `json:"currency"`
	BillingCycle         BillingCycle       `json:"billing_cycle"`
	RenewalDate          *time.Time         `json:"renewal_date,omitempty"`
	PaymentMethodMask    string             `json:"payment_method_mask,omitempty"`
	Status               SubscriptionStatus `json:"status"`
	BillingStatus        BillingStatus      `json:"billing_status"`
	PendingTier          *PlanTier          `json:"pending_tier,omitempty"`
	PendingEffectiveDate *time.Time         `json:"pending_effective_date,omitempty"`
	CancellationDate     *time.Time         `json:"cancellation_effective_date,omitempty"`
	Features             []string           `json:"features"`
}

type StatusResponse struct {
	TenantID         string        `json:"tenant_id"`
	BillingStatus    BillingStatus `json:"billing_status"`
	HasActiveBilling bool          `json:"has_active_billing"`
}
