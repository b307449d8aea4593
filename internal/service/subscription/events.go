// internal/service/subscription/events.go
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/audit"
	"clinic-billing-service/internal/domain/billing"
	"clinic-billing-service/internal/domain/webhook"
	"clinic-billing-service/internal/metrics"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"go.uber.org/zap"
)

type EventOutcome string

const (
	OutcomeApplied   EventOutcome = "applied"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeIgnored   EventOutcome = "ignored"
	OutcomeUnmatched EventOutcome = "unmatched"
)

// ApplyProviderEvent applies a verified provider event. The event id is recorded in the
// same transaction as the state change, so a redelivered or retried event
// commits at most once. Every handler derives absolute state from the payload.
func (o *Orchestrator) ApplyProviderEvent(ctx context.Context, evt *webhook.Event) (EventOutcome, error) {
	log := o.logger.With(
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.RawType))

	switch evt.Type {
	case webhook.EventSubscriptionActivated:
		return o.applyActivated(ctx, evt)
	case webhook.EventSubscriptionCancelled, webhook.EventSubscriptionSuspended, webhook.EventSubscriptionUpdated:
		return o.applySubscriptionEvent(ctx, evt)
	case webhook.EventPaymentCompleted:
		return o.applyPayment(ctx, evt)
	}

	log.Info("ignoring unhandled provider event")
	return o.markOnly(ctx, evt, OutcomeIgnored)
}

// once wraps a plan so it runs only for an event id not seen before.
func once(evt *webhook.Event, duplicate *bool, plan planFunc) planFunc {
	return func(ctx context.Context, tx billing.Tx, tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
		fresh, err := tx.MarkEventProcessed(ctx, evt.ID, evt.RawType)
		if err != nil {
			return billing.Transition{}, fmt.Errorf("failed to record webhook event: %w", err)
		}
		if !fresh {
			*duplicate = true
			return billing.Transition{}, nil
		}
		return plan(ctx, tx, tn, cur, now)
	}
}

func (o *Orchestrator) applyActivated(ctx context.Context, evt *webhook.Event) (EventOutcome, error) {
	remote := evt.Snapshot()
	a := billing.Activation{ProviderSubscriptionID: evt.SubscriptionID(), Remote: remote}
	if a.ProviderSubscriptionID == "" {
		return "", fmt.Errorf("activation event %s has no subscription id: %w", evt.ID, xerrors.ErrInvalidInput)
	}

	tenantID, err := o.resolveTenant(ctx, a.ProviderSubscriptionID, remote.CustomID)
	if err != nil {
		return "", err
	}
	a.TenantID = tenantID
	if tier, cycle, ok := o.plans.TierForPlanID(remote.PlanID); ok {
		a.PlanTier, a.BillingCycle = tier, cycle
	}

	var duplicate bool
	res, err := o.mutate(ctx, "webhook_activated", tenantID, audit.SystemOperator, once(evt, &duplicate,
		func(ctx context.Context, tx billing.Tx, tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			return billing.PlanActivate(tn, cur, a, now)
		}))
	return eventOutcome(res, duplicate), err
}

func (o *Orchestrator) applySubscriptionEvent(ctx context.Context, evt *webhook.Event) (EventOutcome, error) {
	remote := evt.Snapshot()
	providerID := evt.SubscriptionID()

	tenantID, err := o.resolveTenant(ctx, providerID, remote.CustomID)
	if err != nil {
		return "", err
	}
	remoteTier, _, _ := o.plans.TierForPlanID(remote.PlanID)

	var duplicate bool
	res, err := o.mutate(ctx, "webhook_"+eventOperation(evt.Type), tenantID, audit.SystemOperator, once(evt, &duplicate,
		func(ctx context.Context, tx billing.Tx, tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			if cur == nil {
				return billing.Transition{}, xerrors.NotFound("subscription for tenant", tenantID)
			}
			if cur.ProviderSubscriptionID != providerID {
				o.logger.Info("ignoring event for a provider subscription the tenant no longer holds",
					zap.String("event_id", evt.ID),
					zap.String("tenant_id", tenantID),
					zap.String("provider_subscription_id", providerID))
				return billing.Transition{}, nil
			}

			switch evt.Type {
			case webhook.EventSubscriptionCancelled:
				return billing.ApplyCancelled(tn, cur, remote, now), nil
			case webhook.EventSubscriptionSuspended:
				if cur.Status.Terminal() {
					return billing.Transition{}, nil
				}
				return billing.ApplySuspended(tn, cur, remote, now), nil
			default:
				if cur.Status.Terminal() {
					return billing.Transition{}, nil
				}
				return billing.ApplyUpdated(cur, remote, remoteTier, now), nil
			}
		}))
	return eventOutcome(res, duplicate), err
}

// applyPayment records a completed payment. A payment that matches no
// subscription is kept for manual reconciliation instead of failing the event.
func (o *Orchestrator) applyPayment(ctx context.Context, evt *webhook.Event) (EventOutcome, error) {
	remote := evt.Snapshot()
	providerID := evt.SubscriptionID()

	// sale resources carry the correlation in custom rather than custom_id
	correlation := remote.CustomID
	if correlation == "" {
		correlation = evt.Resource.Custom
	}
	tenantID, err := o.resolveTenant(ctx, providerID, correlation)
	if errors.Is(err, xerrors.ErrNotFound) {
		return o.unmatchedPayment(ctx, evt, "")
	}
	if err != nil {
		return "", err
	}

	sub, err := o.store.FindByTenant(ctx, tenantID)
	if errors.Is(err, xerrors.ErrNotFound) || (err == nil && providerID != "" && sub.ProviderSubscriptionID != providerID) {
		return o.unmatchedPayment(ctx, evt, tenantID)
	}
	if err != nil {
		return "", err
	}

	var duplicate bool
	res, err := o.mutate(ctx, "webhook_payment", tenantID, audit.SystemOperator, once(evt, &duplicate,
		func(ctx context.Context, tx billing.Tx, tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
			if cur == nil {
				return billing.Transition{}, xerrors.NotFound("subscription for tenant", tenantID)
			}
			return billing.ApplyPayment(cur, remote, evt.Resource.ID, now), nil
		}))
	return eventOutcome(res, duplicate), err
}

func (o *Orchestrator) unmatchedPayment(ctx context.Context, evt *webhook.Event, tenantID string) (EventOutcome, error) {
	outcome, err := o.markOnly(ctx, evt, OutcomeUnmatched)
	if err != nil || outcome == OutcomeDuplicate {
		return outcome, err
	}

	remote := evt.Snapshot()
	metrics.UnmatchedPaymentsTotal.Inc()
	o.logger.Named("reconcile").Warn("payment matched no subscription, manual reconciliation required",
		zap.String("event_id", evt.ID),
		zap.String("sale_id", evt.Resource.ID),
		zap.String("provider_subscription_id", evt.SubscriptionID()),
		zap.String("custom_id", evt.Resource.Custom),
		zap.String("amount", remote.LastPaymentAmount),
		zap.String("currency", remote.LastPaymentCurrency))

	entry := audit.NewEntry(audit.ActionUnmatchedPayment, tenantID, audit.SystemOperator,
		fmt.Sprintf("payment %s %s matched no subscription", remote.LastPaymentAmount, remote.LastPaymentCurrency),
		map[string]interface{}{
			"event_id":                 evt.ID,
			"sale_id":                  evt.Resource.ID,
			"provider_subscription_id": evt.SubscriptionID(),
		}, o.now())
	if err := o.ledger.Record(ctx, entry); err != nil {
		o.logger.Error("failed to record unmatched payment", zap.String("event_id", evt.ID), zap.Error(err))
	}
	return OutcomeUnmatched, nil
}

// markOnly records the event id without touching any tenant.
func (o *Orchestrator) markOnly(ctx context.Context, evt *webhook.Event, outcome EventOutcome) (EventOutcome, error) {
	var fresh bool
	err := o.store.InTx(ctx, func(tx billing.Tx) error {
		var err error
		fresh, err = tx.MarkEventProcessed(ctx, evt.ID, evt.RawType)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !fresh {
		return OutcomeDuplicate, nil
	}
	return outcome, nil
}

func eventOutcome(res *result, duplicate bool) EventOutcome {
	switch {
	case res == nil:
		return ""
	case duplicate:
		return OutcomeDuplicate
	case res.transition.NoOp():
		return OutcomeIgnored
	}
	return OutcomeApplied
}

func eventOperation(t webhook.EventType) string {
	switch t {
	case webhook.EventSubscriptionCancelled:
		return "cancelled"
	case webhook.EventSubscriptionSuspended:
		return "suspended"
	case webhook.EventSubscriptionUpdated:
		return "updated"
	}
	return "event"
}
