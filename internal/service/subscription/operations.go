// internal/service/subscription/operations.go
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/audit"
	"clinic-billing-service/internal/domain/billing"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// Create starts checkout and returns the provider approval URL.
func (o *Orchestrator) Create(ctx context.Context, tenantID string, req billing.CreateSubscriptionRequest, actor string) (*billing.CheckoutResult, error) {
	tier, cycle, err := parseTierAndCycle(req.PlanTier, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	planID, err := o.plans.ResolvePlanID(tier, cycle)
	if err != nil {
		return nil, err
	}

	res, err := o.mutate(ctx, "create", tenantID, actor,
		func(ctx context.Context, tx billing.Tx, tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			return billing.PlanCreate(tn, cur, tier, cycle, planID, now)
		})
	if err != nil {
		return nil, err
	}

	o.logger.Info("checkout started",
		zap.String("tenant_id", tenantID),
		zap.String("plan_tier", string(tier)),
		zap.String("billing_cycle", string(cycle)))

	return &billing.CheckoutResult{
		ApprovalURL:  res.approvalURL,
		PlanTier:     tier,
		BillingCycle: cycle,
		Status:       billing.StatusApprovalPending,
	}, nil
}

// Activate links a provider subscription to its tenant and grants access.
// Repeated activation of the same provider subscription is a no-op.
func (o *Orchestrator) Activate(ctx context.Context, a billing.Activation, actor string) (*billing.Subscription, error) {
	if a.ProviderSubscriptionID == "" {
		return nil, fmt.Errorf("activation without provider subscription id: %w", xerrors.ErrInvalidInput)
	}

	tenantID, err := o.resolveTenant(ctx, a.ProviderSubscriptionID, a.Remote.CustomID)
	if err != nil {
		return nil, err
	}
	if a.TenantID != "" && a.TenantID != tenantID {
		return nil, &xerrors.ConflictError{
			Message: fmt.Sprintf("provider subscription %s belongs to another tenant", a.ProviderSubscriptionID),
		}
	}
	a.TenantID = tenantID

	if a.PlanTier == "" && a.Remote.PlanID != "" {
		if tier, cycle, ok := o.plans.TierForPlanID(a.Remote.PlanID); ok {
			a.PlanTier, a.BillingCycle = tier, cycle
		}
	}

	res, err := o.mutate(ctx, "activate", tenantID, actor,
		func(ctx context.Context, tx billing.Tx, tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			return billing.PlanActivate(tn, cur, a, now)
		})
	if err != nil {
		return nil, err
	}
	return res.current, nil
}

// ConfirmActivation is the direct confirmation made when the tenant returns
// from the approval page. The provider's view decides.
func (o *Orchestrator) ConfirmActivation(ctx context.Context, tenantID, providerSubscriptionID, actor string) (*billing.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, fmt.Errorf("provider subscription id is required: %w", xerrors.ErrInvalidInput)
	}

	remote, err := o.gateway.VerifySubscription(ctx, providerSubscriptionID)
	if err != nil {
		return nil, err
	}
	if owner, ok := billing.ParseCorrelationID(remote.CustomID); !ok || owner != tenantID {
		return nil, fmt.Errorf("provider subscription %s is not correlated with tenant %s: %w",
			providerSubscriptionID, tenantID, xerrors.ErrForbidden)
	}
	if billing.SubscriptionStatus(remote.Status) != billing.StatusActive {
		return nil, &xerrors.InvalidStateError{
			Operation: "confirm activation",
			Reason:    fmt.Sprintf("provider reports status %s", remote.Status),
		}
	}

	return o.Activate(ctx, billing.Activation{
		ProviderSubscriptionID: providerSubscriptionID,
		TenantID:               tenantID,
		Remote:                 *remote,
	}, actor)
}

// Upgrade asks the provider to revise the plan. The new tier stays pending
// until the provider confirms it.
func (o *Orchestrator) Upgrade(ctx context.Context, tenantID string, req billing.ChangePlanRequest, actor string) (*billing.PlanChangeResult, error) {
	target, err := billing.ParsePlanTier(string(req.TargetTier))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, xerrors.ErrInvalidInput)
	}

	res, err := o.mutate(ctx, "upgrade", tenantID, actor, requireSubscription(tenantID,
		func(tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			cycle, err := cycleOrCurrent(req.BillingCycle, cur)
			if err != nil {
				return billing.Transition{}, err
			}
			planID, err := o.plans.ResolvePlanID(target, cycle)
			if err != nil {
				return billing.Transition{}, err
			}
			return billing.PlanUpgrade(cur, target, cycle, planID, now)
		}))
	if err != nil {
		return nil, err
	}
	return changeResult(res), nil
}

// Downgrade schedules a lower tier for the next renewal.
func (o *Orchestrator) Downgrade(ctx context.Context, tenantID string, req billing.ChangePlanRequest, actor string) (*billing.PlanChangeResult, error) {
	target, err := billing.ParsePlanTier(string(req.TargetTier))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, xerrors.ErrInvalidInput)
	}

	res, err := o.mutate(ctx, "downgrade", tenantID, actor, requireSubscription(tenantID,
		func(tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			cycle, err := cycleOrCurrent(req.BillingCycle, cur)
			if err != nil {
				return billing.Transition{}, err
			}
			if _, err := o.plans.ResolvePlanID(target, cycle); err != nil {
				return billing.Transition{}, err
			}
			return billing.PlanDowngrade(cur, target, cycle, now)
		}))
	if err != nil {
		return nil, err
	}
	return changeResult(res), nil
}

// Cancel suspends the subscription at the provider, immediately or at renewal.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID string, req billing.CancelSubscriptionRequest, actor string) (*billing.Subscription, error) {
	res, err := o.mutate(ctx, "cancel", tenantID, actor, requireSubscription(tenantID,
		func(tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			return billing.PlanCancel(tn, cur, req.Immediate, req.Reason, now)
		}))
	if err != nil {
		return nil, err
	}
	return res.current, nil
}

// ExecuteScheduledCancellation carries out a cancellation whose date has come.
func (o *Orchestrator) ExecuteScheduledCancellation(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	res, err := o.mutate(ctx, "execute_cancellation", tenantID, audit.SystemOperator, requireSubscription(tenantID, billing.PlanScheduledCancellation))
	if err != nil {
		return nil, err
	}
	return res.current, nil
}

// Resume reactivates a SUSPENDED subscription. CANCELLED cannot be resumed.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, actor string) (*billing.Subscription, error) {
	res, err := o.mutate(ctx, "resume", tenantID, actor, requireSubscription(tenantID, billing.PlanResume))
	if err != nil {
		return nil, err
	}
	return res.current, nil
}

// ManualOverride sets the tier without the provider. Operators only.
func (o *Orchestrator) ManualOverride(ctx context.Context, tenantID string, req billing.ManualOverrideRequest, operatorID string) (*billing.Subscription, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("manual override requires an operator: %w", xerrors.ErrForbidden)
	}
	target, err := billing.ParsePlanTier(string(req.TargetTier))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, xerrors.ErrInvalidInput)
	}

	res, err := o.mutate(ctx, "manual_override", tenantID, operatorID, requireSubscription(tenantID,
		func(tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			return billing.PlanManualOverride(cur, target, req.Reason, now)
		}))
	if err != nil {
		return nil, err
	}

	o.logger.Warn("manual plan override applied",
		zap.String("tenant_id", tenantID),
		zap.String("operator_id", operatorID),
		zap.String("target_tier", string(target)),
		zap.String("reason", req.Reason))
	return res.current, nil
}

// WithdrawPendingChange drops a pending tier change or scheduled cancellation.
func (o *Orchestrator) WithdrawPendingChange(ctx context.Context, tenantID, actor string) (*billing.Subscription, error) {
	res, err := o.mutate(ctx, "withdraw_pending_change", tenantID, actor, requireSubscription(tenantID,
		func(tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			return billing.PlanWithdrawPendingChange(cur, now)
		}))
	if err != nil {
		return nil, err
	}
	return res.current, nil
}

// SyncFromProvider re-reads the provider's view and applies it.
func (o *Orchestrator) SyncFromProvider(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	sub, err := o.store.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.ProviderSubscriptionID == "" {
		return sub, nil
	}

	remote, err := o.gateway.VerifySubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}
	remoteTier, _, _ := o.plans.TierForPlanID(remote.PlanID)

	res, err := o.mutate(ctx, "sync", tenantID, audit.SystemOperator, requireSubscription(tenantID,
		func(tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			if cur.ProviderSubscriptionID != sub.ProviderSubscriptionID {
				// relinked while the provider was being read
				return billing.Transition{}, nil
			}
			return billing.ApplySync(tn, cur, *remote, remoteTier, now), nil
		}))
	if err != nil {
		return nil, err
	}
	return res.current, nil
}

// GetPlanDetails is the tenant-facing read model of the subscription.
func (o *Orchestrator) GetPlanDetails(ctx context.Context, tenantID string) (*billing.PlanDetails, error) {
	tn, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sub, err := o.store.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	details := &billing.PlanDetails{
		Tier:                 sub.PlanTier,
		BillingCycle:         sub.BillingCycle,
		RenewalDate:          sub.RenewalDate,
		PaymentMethodMask:    sub.PaymentMethodMask,
		Status:               sub.Status,
		BillingStatus:        tn.BillingStatus,
		PendingTier:          sub.PendingPlanTier,
		PendingEffectiveDate: sub.PendingPlanEffectiveDate,
		Features:             o.plans.Features(sub.PlanTier),
	}
	if sub.HasScheduledCancellation() {
		details.CancellationDate = sub.CancellationEffectiveDate
	}
	if price, currency, ok := o.plans.Price(sub.PlanTier, sub.BillingCycle); ok {
		details.Price, details.Currency = price, currency
	}
	if details.Features == nil {
		details.Features = []string{}
	}
	return details, nil
}

// resolveTenant finds the owner of a provider subscription: the linked row
// first, then the correlation id the provider echoes back.
func (o *Orchestrator) resolveTenant(ctx context.Context, providerSubscriptionID, customID string) (string, error) {
	if providerSubscriptionID != "" {
		tenantID, err := o.store.FindTenantIDByProviderID(ctx, providerSubscriptionID)
		if err == nil {
			return tenantID, nil
		}
		if !errors.Is(err, xerrors.ErrNotFound) {
			return "", err
		}
	}
	if tenantID, ok := billing.ParseCorrelationID(customID); ok {
		return tenantID, nil
	}
	return "", xerrors.NotFound("tenant for provider subscription", providerSubscriptionID)
}

func parseTierAndCycle(tier billing.PlanTier, cycle billing.BillingCycle) (billing.PlanTier, billing.BillingCycle, error) {
	t, err := billing.ParsePlanTier(string(tier))
	if err != nil {
		return "", "", fmt.Errorf("%v: %w", err, xerrors.ErrInvalidInput)
	}
	c, err := billing.ParseBillingCycle(string(cycle))
	if err != nil {
		return "", "", fmt.Errorf("%v: %w", err, xerrors.ErrInvalidInput)
	}
	return t, c, nil
}

func cycleOrCurrent(requested billing.BillingCycle, cur *billing.Subscription) (billing.BillingCycle, error) {
	if requested == "" {
		return cur.BillingCycle, nil
	}
	c, err := billing.ParseBillingCycle(string(requested))
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, xerrors.ErrInvalidInput)
	}
	return c, nil
}

func changeResult(res *result) *billing.PlanChangeResult {
	sub := res.current
	out := &billing.PlanChangeResult{
		ApprovalURL:              res.approvalURL,
		CurrentPlanTier:          sub.PlanTier,
		PendingPlanEffectiveDate: sub.PendingPlanEffectiveDate,
	}
	if sub.PendingPlanTier != nil {
		out.PendingPlanTier = *sub.PendingPlanTier
	}
	return out
}
