// internal/service/subscription/orchestrator.go
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/audit"
	"clinic-billing-service/internal/domain/billing"
	"clinic-billing-service/internal/metrics"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("clinic-billing-service/subscription")

// Gateway is the provider client.
type Gateway interface {
	CreateSubscription(ctx context.Context, planID, correlationID, returnURL, cancelURL string) (string, error)
	RevisePlan(ctx context.Context, providerSubscriptionID, planID, returnURL, cancelURL string) (string, error)
	Suspend(ctx context.Context, providerSubscriptionID, reason string) error
	Reactivate(ctx context.Context, providerSubscriptionID, reason string) error
	VerifySubscription(ctx context.Context, providerSubscriptionID string) (*billing.RemoteSnapshot, error)
}

// PlanCatalog maps tiers to provider plans.
type PlanCatalog interface {
	ResolvePlanID(tier billing.PlanTier, cycle billing.BillingCycle) (string, error)
	TierForPlanID(planID string) (billing.PlanTier, billing.BillingCycle, bool)
	Price(tier billing.PlanTier, cycle billing.BillingCycle) (string, string, bool)
	Features(tier billing.PlanTier) []string
}

// StatusInvalidator evicts a tenant's cached billing status.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// Notifier publishes tenant billing status changes.
type Notifier interface {
	Publish(ctx context.Context, change billing.StatusChange) error
}

type URLs struct {
	ReturnURL string
	CancelURL string
}

type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// Orchestrator runs every subscription state change: tenant actions, operator
// overrides, webhook events and reconciliation all converge here.
type Orchestrator struct {
	store    billing.Store
	gateway  Gateway
	plans    PlanCatalog
	cache    StatusInvalidator
	ledger   audit.Ledger
	notifier Notifier
	urls     URLs
	now      func() time.Time
	logger   *zap.Logger
}

func NewOrchestrator(
	store billing.Store,
	gateway Gateway,
	plans PlanCatalog,
	cache StatusInvalidator,
	ledger audit.Ledger,
	urls URLs,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		gateway: gateway,
		plans:   plans,
		cache:   cache,
		ledger:  ledger,
		urls:    urls,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// planFunc evaluates a transition against the locked rows.
type planFunc func(ctx context.Context, tx billing.Tx, tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error)

type result struct {
	transition  billing.Transition
	previous    billing.BillingStatus
	current     *billing.Subscription
	approvalURL string
}

// mutate locks the tenant and its subscription, plans the transition, performs
// the provider call while the lock is held and commits everything together.
// Nothing is written when any step fails.
func (o *Orchestrator) mutate(ctx context.Context, operation, tenantID, actor string, plan planFunc) (*result, error) {
	ctx, span := tracer.Start(ctx, "subscription."+operation, trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("billing.operation", operation),
	))
	defer span.End()

	now := o.now()
	res := &result{}
	var callErr error
	var failedCall *billing.ProviderCall

	err := o.store.InTx(ctx, func(tx billing.Tx) error {
		tn, err := tx.LockTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		cur, err := tx.LockSubscription(ctx, tenantID)
		if err != nil {
			return err
		}
		res.previous = tn.BillingStatus
		res.current = cur

		tr, err := plan(ctx, tx, tn, cur, now)
		if err != nil {
			return err
		}
		res.transition = tr
		if tr.NoOp() {
			return nil
		}

		if tr.Call != nil {
			url, err := o.execute(ctx, tr.Call, tr.Next)
			if err != nil {
				callErr, failedCall = err, tr.Call
				return err
			}
			res.approvalURL = url
		}

		if tr.Next != nil {
			if tr.Insert {
				err = tx.InsertSubscription(ctx, tr.Next)
			} else {
				err = tx.UpdateSubscription(ctx, tr.Next)
			}
			if err != nil {
				return fmt.Errorf("failed to persist subscription: %w", err)
			}
			res.current = tr.Next
		}
		if tr.TenantStatus != nil {
			if err := tx.SetTenantBillingStatus(ctx, tenantID, *tr.TenantStatus); err != nil {
				return fmt.Errorf("failed to update tenant billing status: %w", err)
			}
		}

		for _, intent := range tr.Audit {
			entry := audit.NewEntry(intent.Action, tenantID, actor, intent.Description, intent.Metadata, now)
			if err := tx.AppendAudit(ctx, entry); err != nil {
				return fmt.Errorf("failed to append audit entry: %w", err)
			}
		}
		if tr.Call != nil {
			entry := audit.NewEntry(audit.ActionProviderCall, tenantID, actor,
				fmt.Sprintf("provider %s succeeded", tr.Call.Kind), callMetadata(tr.Call, nil), now)
			if err := tx.AppendAudit(ctx, entry); err != nil {
				return fmt.Errorf("failed to append audit entry: %w", err)
			}
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		metrics.OperationsTotal.WithLabelValues(operation, outcome(err)).Inc()
		if callErr != nil {
			o.recordProviderFailure(ctx, tenantID, actor, failedCall, callErr, now)
		}
		return nil, err
	}

	tr := res.transition
	if tr.NoOp() {
		metrics.OperationsTotal.WithLabelValues(operation, "noop").Inc()
		return res, nil
	}
	metrics.OperationsTotal.WithLabelValues(operation, "ok").Inc()
	o.afterCommit(ctx, tenantID, res, now)
	return res, nil
}

// execute carries out a provider call intent. A resumed subscription is
// re-read from the provider so its billing dates are current.
func (o *Orchestrator) execute(ctx context.Context, call *billing.ProviderCall, next *billing.Subscription) (string, error) {
	switch call.Kind {
	case billing.CallCreate:
		return o.gateway.CreateSubscription(ctx, call.PlanID, call.CorrelationID, o.urls.ReturnURL, o.urls.CancelURL)
	case billing.CallRevise:
		return o.gateway.RevisePlan(ctx, call.ProviderSubscriptionID, call.PlanID, o.urls.ReturnURL, o.urls.CancelURL)
	case billing.CallSuspend:
		return "", o.gateway.Suspend(ctx, call.ProviderSubscriptionID, call.Reason)
	case billing.CallReactivate:
		if err := o.gateway.Reactivate(ctx, call.ProviderSubscriptionID, call.Reason); err != nil {
			return "", err
		}
		remote, err := o.gateway.VerifySubscription(ctx, call.ProviderSubscriptionID)
		if err != nil {
			o.logger.Warn("failed to resync billing dates after reactivation",
				zap.String("provider_subscription_id", call.ProviderSubscriptionID),
				zap.Error(err))
			return "", nil
		}
		if next != nil {
			billing.ApplyRemote(next, *remote)
		}
		return "", nil
	}
	return "", fmt.Errorf("unknown provider call %q", call.Kind)
}

func (o *Orchestrator) afterCommit(ctx context.Context, tenantID string, res *result, now time.Time) {
	if err := o.cache.Invalidate(ctx, tenantID); err != nil {
		o.logger.Warn("failed to invalidate billing status cache",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}

	tr := res.transition
	if tr.TenantStatus == nil {
		return
	}
	metrics.TenantStatusChangesTotal.WithLabelValues(string(*tr.TenantStatus)).Inc()
	o.logger.Info("tenant billing status changed",
		zap.String("tenant_id", tenantID),
		zap.String("from", string(res.previous)),
		zap.String("to", string(*tr.TenantStatus)),
		zap.String("operation", tr.Operation))

	if o.notifier == nil {
		return
	}
	change := billing.StatusChange{
		TenantID:   tenantID,
		Previous:   res.previous,
		Current:    *tr.TenantStatus,
		Reason:     tr.Operation,
		OccurredAt: now,
	}
	if res.current != nil {
		change.PlanTier = res.current.PlanTier
	}
	if err := o.notifier.Publish(ctx, change); err != nil {
		o.logger.Warn("failed to publish billing status change",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}

// recordProviderFailure writes the provider outcome outside the rolled back
// transaction so the attempt stays visible.
func (o *Orchestrator) recordProviderFailure(ctx context.Context, tenantID, actor string, call *billing.ProviderCall, callErr error, now time.Time) {
	entry := audit.NewEntry(audit.ActionProviderCall, tenantID, actor,
		fmt.Sprintf("provider %s failed: %v", call.Kind, callErr), callMetadata(call, callErr), now)
	if err := o.ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Error("failed to record provider call outcome",
			zap.String("tenant_id", tenantID),
			zap.String("call", string(call.Kind)),
			zap.Error(err))
	}
	o.logger.Warn("provider call failed",
		zap.String("tenant_id", tenantID),
		zap.String("call", string(call.Kind)),
		zap.Bool("retryable", xerrors.IsRetryable(callErr)),
		zap.Error(callErr))
}

func callMetadata(call *billing.ProviderCall, err error) map[string]interface{} {
	meta := map[string]interface{}{
		"call":    string(call.Kind),
		"outcome": "success",
	}
	if call.ProviderSubscriptionID != "" {
		meta["provider_subscription_id"] = call.ProviderSubscriptionID
	}
	if call.PlanID != "" {
		meta["plan_id"] = call.PlanID
	}
	if err == nil {
		return meta
	}
	meta["outcome"] = "failure"
	meta["retryable"] = xerrors.IsRetryable(err)
	var pe *xerrors.ProviderAPIError
	if errors.As(err, &pe) {
		meta["status_code"] = pe.StatusCode
	}
	if errors.Is(err, xerrors.ErrProviderUnavailable) {
		meta["breaker_open"] = true
	}
	return meta
}

func outcome(err error) string {
	var (
		conflict *xerrors.ConflictError
		invalid  *xerrors.InvalidStateError
		provider *xerrors.ProviderAPIError
	)
	switch {
	case errors.As(err, &conflict), errors.Is(err, xerrors.ErrConflict):
		return "conflict"
	case errors.As(err, &invalid):
		return "invalid_state"
	case errors.Is(err, xerrors.ErrProviderUnavailable):
		return "unavailable"
	case errors.As(err, &provider):
		return "provider_error"
	case errors.Is(err, xerrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, xerrors.ErrInvalidInput):
		return "invalid_input"
	}
	return "error"
}

// requireSubscription adapts a plan that needs an existing subscription.
func requireSubscription(tenantID string, fn func(tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error)) planFunc {
	return func(ctx context.Context, tx billing.Tx, tn *billing.Tenant, cur *billing.Subscription, now time.Time) (billing.Transition, error) {
		if cur == nil {
			return billing.Transition{}, xerrors.NotFound("subscription for tenant", tenantID)
		}
		return fn(tn, cur, now)
	}
}
