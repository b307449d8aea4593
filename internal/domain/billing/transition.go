// internal/domain/billing/transition.go
package billing

import (
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/audit"
	xerrors "clinic-billing-service/internal/pkg/errors"
)

// The functions in this file are the subscription state machine. Each takes the
// locked tenant and subscription and returns the next snapshot plus the side
// effects the caller must carry out. None of them touch storage or the network.

type CallKind string

const (
	CallCreate     CallKind = "create_subscription"
	CallRevise     CallKind = "revise_plan"
	CallSuspend    CallKind = "suspend"
	CallReactivate CallKind = "reactivate"
)

// ProviderCall is a provider request that must succeed before the snapshot commits.
type ProviderCall struct {
	Kind                   CallKind
	ProviderSubscriptionID string
	PlanID                 string
	CorrelationID          string
	Reason                 string
}

type AuditIntent struct {
	Action      audit.Action
	Description string
	Metadata    map[string]interface{}
}

type Transition struct {
	Operation    string
	Next         *Subscription
	Insert       bool
	TenantStatus *BillingStatus
	Call         *ProviderCall
	Audit        []AuditIntent
}

// NoOp reports a transition with nothing to persist or call.
func (t Transition) NoOp() bool {
	return t.Next == nil && t.TenantStatus == nil && t.Call == nil && len(t.Audit) == 0
}

func (t *Transition) record(action audit.Action, desc string, meta map[string]interface{}) {
	t.Audit = append(t.Audit, AuditIntent{Action: action, Description: desc, Metadata: meta})
}

func (t *Transition) setTenantStatus(tn *Tenant, to BillingStatus) {
	if tn == nil || tn.BillingStatus == to {
		return
	}
	s := to
	t.TenantStatus = &s
	t.record(audit.ActionTenantBillingStatus,
		fmt.Sprintf("tenant billing status %s -> %s", tn.BillingStatus, to),
		map[string]interface{}{"from": string(tn.BillingStatus), "to": string(to)})
}

// PlanCreate starts checkout. Only a checkout the tenant abandoned before the
// provider linked it is restarted in place. A linked subscription keeps its
// provider id for good, even once terminal.
func PlanCreate(tn *Tenant, cur *Subscription, tier PlanTier, cycle BillingCycle, planID string, now time.Time) (Transition, error) {
	tr := Transition{Operation: "create"}
	if cur != nil && (cur.Status != StatusApprovalPending || cur.ProviderSubscriptionID != "") {
		return tr, &xerrors.ConflictError{Message: fmt.Sprintf("tenant already has a subscription in status %s", cur.Status)}
	}

	var next *Subscription
	if cur == nil {
		next = &Subscription{TenantID: tn.ID, CreatedAt: now}
		tr.Insert = true
	} else {
		next = cur.Clone()
	}
	next.PlanTier = tier
	next.BillingCycle = cycle
	next.Status = StatusApprovalPending
	next.UpdatedAt = now
	tr.Next = next

	tr.Call = &ProviderCall{Kind: CallCreate, PlanID: planID, CorrelationID: CorrelationID(tn.ID)}
	tr.record(audit.ActionSubscriptionCreated,
		fmt.Sprintf("checkout started for %s/%s", tier, cycle),
		map[string]interface{}{"plan_tier": string(tier), "billing_cycle": string(cycle), "plan_id": planID})
	tr.setTenantStatus(tn, BillingPendingPayment)
	return tr, nil
}

// PlanActivate links the provider subscription and grants access. Redelivery
// for an already linked, live subscription is a no-op.
func PlanActivate(tn *Tenant, cur *Subscription, a Activation, now time.Time) (Transition, error) {
	tr := Transition{Operation: "activate"}
	if a.ProviderSubscriptionID == "" {
		return tr, xerrors.Wrap(xerrors.ErrInvalidInput, "activation without provider subscription id")
	}

	if cur != nil && cur.ProviderSubscriptionID == a.ProviderSubscriptionID {
		// live: duplicate delivery; terminal: stale event for a closed subscription
		return tr, nil
	}
	if cur != nil && cur.ProviderSubscriptionID != "" {
		return tr, &xerrors.ConflictError{
			Message: fmt.Sprintf("tenant subscription is already linked to provider subscription %s", cur.ProviderSubscriptionID),
		}
	}

	tier, cycle := a.PlanTier, a.BillingCycle
	if cur != nil {
		if tier == "" {
			tier = cur.PlanTier
		}
		if cycle == "" {
			cycle = cur.BillingCycle
		}
	}
	if !tier.Valid() {
		return tr, &xerrors.ConfigurationError{Message: fmt.Sprintf("cannot resolve plan tier for provider plan %q", a.Remote.PlanID)}
	}
	if !cycle.Valid() {
		cycle = CycleMonthly
	}

	var next *Subscription
	if cur == nil {
		next = &Subscription{TenantID: tn.ID, CreatedAt: now}
		tr.Insert = true
	} else {
		next = cur.Clone()
	}
	next.ProviderSubscriptionID = a.ProviderSubscriptionID
	next.PlanTier = tier
	next.BillingCycle = cycle
	next.Status = StatusActive
	next.clearPendingPlan()
	next.clearCancellation()
	ApplyRemote(next, a.Remote)
	next.UpdatedAt = now
	tr.Next = next

	tr.record(audit.ActionSubscriptionActivated,
		fmt.Sprintf("subscription %s activated on %s", a.ProviderSubscriptionID, tier),
		map[string]interface{}{"provider_subscription_id": a.ProviderSubscriptionID, "plan_tier": string(tier)})
	tr.setTenantStatus(tn, BillingActive)
	return tr, nil
}

func requireChangeable(cur *Subscription, op string) error {
	if cur.Status != StatusActive {
		return &xerrors.InvalidStateError{Operation: op, Current: string(cur.Status), Allowed: []string{string(StatusActive)}}
	}
	return requireNoPendingChange(cur, op)
}

func requireNoPendingChange(cur *Subscription, op string) error {
	if cur.PendingPlanTier != nil {
		return &xerrors.ConflictError{
			Message:       "cannot " + op,
			PendingKind:   "plan change",
			PendingTarget: string(*cur.PendingPlanTier),
			EffectiveDate: cloneTime(cur.PendingPlanEffectiveDate),
		}
	}
	if cur.HasScheduledCancellation() {
		return &xerrors.ConflictError{
			Message:       "cannot " + op,
			PendingKind:   "cancellation",
			EffectiveDate: cloneTime(cur.CancellationEffectiveDate),
		}
	}
	return nil
}

// PlanUpgrade records the target tier as pending; the confirming webhook commits it.
func PlanUpgrade(cur *Subscription, target PlanTier, cycle BillingCycle, planID string, now time.Time) (Transition, error) {
	tr := Transition{Operation: "upgrade"}
	if err := requireChangeable(cur, "upgrade"); err != nil {
		return tr, err
	}
	if target == cur.PlanTier {
		return tr, fmt.Errorf("subscription is already on %s: %w", target, xerrors.ErrInvalidInput)
	}
	if target.Rank() < cur.PlanTier.Rank() {
		return tr, fmt.Errorf("%s is below %s, request a downgrade: %w", target, cur.PlanTier, xerrors.ErrInvalidInput)
	}
	if cur.ProviderSubscriptionID == "" {
		return tr, &xerrors.InvalidStateError{Operation: "upgrade", Reason: "subscription is not linked to the provider"}
	}

	next := cur.Clone()
	next.PendingPlanTier = &target
	next.PendingBillingCycle = cycle
	effective := now
	next.PendingPlanEffectiveDate = &effective
	next.UpdatedAt = now
	tr.Next = next

	tr.Call = &ProviderCall{Kind: CallRevise, ProviderSubscriptionID: cur.ProviderSubscriptionID, PlanID: planID}
	tr.record(audit.ActionPlanUpgradeRequested,
		fmt.Sprintf("upgrade %s -> %s requested", cur.PlanTier, target),
		map[string]interface{}{"from": string(cur.PlanTier), "to": string(target), "billing_cycle": string(cycle), "plan_id": planID})
	return tr, nil
}

// PlanDowngrade schedules the lower tier for the next renewal. No provider call.
func PlanDowngrade(cur *Subscription, target PlanTier, cycle BillingCycle, now time.Time) (Transition, error) {
	tr := Transition{Operation: "downgrade"}
	if err := requireChangeable(cur, "downgrade"); err != nil {
		return tr, err
	}
	if target == cur.PlanTier {
		return tr, fmt.Errorf("subscription is already on %s: %w", target, xerrors.ErrInvalidInput)
	}
	if target.Rank() > cur.PlanTier.Rank() {
		return tr, fmt.Errorf("%s is above %s, request an upgrade: %w", target, cur.PlanTier, xerrors.ErrInvalidInput)
	}

	effective := cur.RenewalDate
	if effective == nil {
		effective = cur.CurrentPeriodEnd
	}
	if effective == nil {
		return tr, &xerrors.InvalidStateError{Operation: "downgrade", Reason: "renewal date is not known yet"}
	}

	next := cur.Clone()
	next.PendingPlanTier = &target
	next.PendingBillingCycle = cycle
	next.PendingPlanEffectiveDate = cloneTime(effective)
	next.UpdatedAt = now
	tr.Next = next

	tr.record(audit.ActionPlanDowngradeScheduled,
		fmt.Sprintf("downgrade %s -> %s scheduled for %s", cur.PlanTier, target, effective.UTC().Format(time.RFC3339)),
		map[string]interface{}{"from": string(cur.PlanTier), "to": string(target), "effective_date": effective.UTC()})
	return tr, nil
}

// PlanCancel suspends at the provider now, or schedules the suspension for the
// renewal date when the caller does not ask for an immediate cancel.
func PlanCancel(tn *Tenant, cur *Subscription, immediate bool, reason string, now time.Time) (Transition, error) {
	tr := Transition{Operation: "cancel"}
	if cur.Status != StatusActive && cur.Status != StatusPastDue {
		return tr, &xerrors.InvalidStateError{
			Operation: "cancel",
			Current:   string(cur.Status),
			Allowed:   []string{string(StatusActive), string(StatusPastDue)},
		}
	}
	if err := requireNoPendingChange(cur, "cancel"); err != nil {
		return tr, err
	}

	next := cur.Clone()
	requested := now
	next.CancellationDate = &requested
	next.CancellationReason = reason
	next.UpdatedAt = now

	if !immediate && cur.RenewalDate != nil && cur.RenewalDate.After(now) {
		next.CancellationEffectiveDate = cloneTime(cur.RenewalDate)
		tr.Next = next
		tr.record(audit.ActionCancellationScheduled,
			fmt.Sprintf("cancellation scheduled for %s", cur.RenewalDate.UTC().Format(time.RFC3339)),
			map[string]interface{}{"reason": reason, "effective_date": cur.RenewalDate.UTC()})
		return tr, nil
	}

	effective := now
	next.CancellationEffectiveDate = &effective
	suspend(&tr, tn, cur, next, reason)
	return tr, nil
}

// PlanScheduledCancellation carries out a cancellation whose effective date has passed.
func PlanScheduledCancellation(tn *Tenant, cur *Subscription, now time.Time) (Transition, error) {
	tr := Transition{Operation: "execute_cancellation"}
	if !cur.HasScheduledCancellation() {
		return tr, &xerrors.InvalidStateError{Operation: "execute cancellation", Reason: "no cancellation is scheduled"}
	}
	if cur.CancellationEffectiveDate.After(now) {
		return tr, &xerrors.InvalidStateError{Operation: "execute cancellation", Reason: "cancellation is not due yet"}
	}

	next := cur.Clone()
	next.UpdatedAt = now
	suspend(&tr, tn, cur, next, cur.CancellationReason)
	return tr, nil
}

func suspend(tr *Transition, tn *Tenant, cur, next *Subscription, reason string) {
	next.Status = StatusSuspended
	tr.Next = next
	tr.Call = &ProviderCall{Kind: CallSuspend, ProviderSubscriptionID: cur.ProviderSubscriptionID, Reason: cancelReason(reason)}
	tr.record(audit.ActionSubscriptionCancelled,
		fmt.Sprintf("subscription %s suspended on cancellation", cur.ProviderSubscriptionID),
		map[string]interface{}{"reason": reason, "previous_status": string(cur.Status)})
	tr.setTenantStatus(tn, BillingSuspended)
}

func cancelReason(reason string) string {
	if reason == "" {
		return "Cancelled by tenant"
	}
	return reason
}

// PlanResume reactivates a suspended subscription. CANCELLED is terminal.
func PlanResume(tn *Tenant, cur *Subscription, now time.Time) (Transition, error) {
	tr := Transition{Operation: "resume"}
	if cur.Status != StatusSuspended {
		return tr, &xerrors.InvalidStateError{
			Operation: "resume",
			Current:   string(cur.Status),
			Allowed:   []string{string(StatusSuspended)},
		}
	}

	next := cur.Clone()
	next.Status = StatusActive
	next.clearCancellation()
	next.UpdatedAt = now
	tr.Next = next

	tr.Call = &ProviderCall{Kind: CallReactivate, ProviderSubscriptionID: cur.ProviderSubscriptionID, Reason: "Resumed by tenant"}
	tr.record(audit.ActionSubscriptionResumed,
		fmt.Sprintf("subscription %s resumed", cur.ProviderSubscriptionID), nil)
	tr.setTenantStatus(tn, BillingActive)
	return tr, nil
}

// PlanManualOverride sets the tier directly and drops any pending change.
func PlanManualOverride(cur *Subscription, target PlanTier, reason string, now time.Time) (Transition, error) {
	tr := Transition{Operation: "manual_override"}
	if !target.Valid() {
		return tr, fmt.Errorf("unknown tier %q: %w", target, xerrors.ErrInvalidInput)
	}
	if reason == "" {
		return tr, fmt.Errorf("override reason is required: %w", xerrors.ErrInvalidInput)
	}

	next := cur.Clone()
	next.PlanTier = target
	meta := map[string]interface{}{"from": string(cur.PlanTier), "to": string(target), "reason": reason}
	if cur.PendingPlanTier != nil {
		meta["cleared_pending_tier"] = string(*cur.PendingPlanTier)
		next.clearPendingPlan()
	}
	if cur.HasScheduledCancellation() {
		meta["cleared_cancellation"] = cur.CancellationEffectiveDate.UTC()
		next.clearCancellation()
	}
	next.UpdatedAt = now
	tr.Next = next

	tr.record(audit.ActionManualOverride,
		fmt.Sprintf("plan tier overridden %s -> %s: %s", cur.PlanTier, target, reason), meta)
	return tr, nil
}

// PlanWithdrawPendingChange drops a pending tier change or a scheduled cancellation.
func PlanWithdrawPendingChange(cur *Subscription, now time.Time) (Transition, error) {
	tr := Transition{Operation: "withdraw_pending_change"}
	next := cur.Clone()

	switch {
	case cur.PendingPlanTier != nil:
		next.clearPendingPlan()
		tr.record(audit.ActionPendingChangeWithdrawn,
			fmt.Sprintf("pending change to %s withdrawn", *cur.PendingPlanTier),
			map[string]interface{}{"kind": "plan change", "target": string(*cur.PendingPlanTier)})
	case cur.HasScheduledCancellation():
		next.clearCancellation()
		tr.record(audit.ActionPendingChangeWithdrawn, "scheduled cancellation withdrawn",
			map[string]interface{}{"kind": "cancellation"})
	default:
		return tr, &xerrors.InvalidStateError{Operation: "withdraw pending change", Reason: "nothing is pending"}
	}

	next.UpdatedAt = now
	tr.Next = next
	return tr, nil
}

// ApplyCancelled records a provider-side cancellation. The provider is authoritative.
func ApplyCancelled(tn *Tenant, cur *Subscription, remote RemoteSnapshot, now time.Time) Transition {
	tr := Transition{Operation: "webhook_cancelled"}
	next := cur.Clone()
	next.Status = StatusCancelled
	next.clearPendingPlan()
	if next.CancellationDate == nil {
		next.CancellationDate = &now
	}
	if next.CancellationEffectiveDate == nil {
		next.CancellationEffectiveDate = &now
	}
	ApplyRemote(next, remote)

	if cur.Status != StatusCancelled {
		tr.record(audit.ActionSubscriptionCancelled,
			fmt.Sprintf("provider cancelled subscription %s", cur.ProviderSubscriptionID),
			map[string]interface{}{"previous_status": string(cur.Status), "source": "webhook"})
	}
	tr.setTenantStatus(tn, BillingCanceled)
	finish(&tr, cur, next, now)
	return tr
}

// ApplySuspended records a provider-side suspension. A suspension that follows
// our own cancellation keeps the tenant SUSPENDED; otherwise it is a payment problem.
func ApplySuspended(tn *Tenant, cur *Subscription, remote RemoteSnapshot, now time.Time) Transition {
	tr := Transition{Operation: "webhook_suspended"}
	next := cur.Clone()
	next.Status = StatusSuspended
	ApplyRemote(next, remote)

	if cur.Status != StatusSuspended {
		tr.record(audit.ActionSubscriptionSuspended,
			fmt.Sprintf("provider suspended subscription %s", cur.ProviderSubscriptionID),
			map[string]interface{}{"previous_status": string(cur.Status), "source": "webhook"})
	}
	tr.setTenantStatus(tn, suspendedTenantStatus(cur, now))
	finish(&tr, cur, next, now)
	return tr
}

func suspendedTenantStatus(cur *Subscription, now time.Time) BillingStatus {
	if cur.CancellationEffectiveDate != nil && !cur.CancellationEffectiveDate.After(now) {
		return BillingSuspended
	}
	return BillingPastDue
}

// ApplyUpdated refreshes billing-period fields and commits a pending tier once it
// is due or the provider reports the pending plan.
func ApplyUpdated(cur *Subscription, remote RemoteSnapshot, remoteTier PlanTier, now time.Time) Transition {
	tr := Transition{Operation: "webhook_updated"}
	next := cur.Clone()
	ApplyRemote(next, remote)
	commitPending(&tr, cur, next, remoteTier, now)
	if len(tr.Audit) == 0 && !sameState(cur, next) {
		tr.record(audit.ActionBillingPeriodRefreshed, "billing period refreshed from provider", nil)
	}
	finish(&tr, cur, next, now)
	return tr
}

func commitPending(tr *Transition, cur, next *Subscription, remoteTier PlanTier, now time.Time) {
	if cur.PendingPlanTier == nil {
		return
	}
	pending := *cur.PendingPlanTier
	due := cur.PendingPlanEffectiveDate == nil || !cur.PendingPlanEffectiveDate.After(now)
	if !due && remoteTier != pending {
		return
	}
	next.PlanTier = pending
	if cur.PendingBillingCycle != "" {
		next.BillingCycle = cur.PendingBillingCycle
	}
	next.clearPendingPlan()
	tr.record(audit.ActionPlanChangeCommitted,
		fmt.Sprintf("plan change %s -> %s committed", cur.PlanTier, pending),
		map[string]interface{}{"from": string(cur.PlanTier), "to": string(pending)})
}

// ApplyPayment stores the latest payment on the subscription.
func ApplyPayment(cur *Subscription, remote RemoteSnapshot, saleID string, now time.Time) Transition {
	tr := Transition{Operation: "webhook_payment"}
	next := cur.Clone()
	ApplyRemote(next, remote)
	tr.record(audit.ActionPaymentReceived,
		fmt.Sprintf("payment %s %s received", remote.LastPaymentAmount, remote.LastPaymentCurrency),
		map[string]interface{}{
			"sale_id":                  saleID,
			"amount":                   remote.LastPaymentAmount,
			"currency":                 remote.LastPaymentCurrency,
			"provider_subscription_id": cur.ProviderSubscriptionID,
		})
	finish(&tr, cur, next, now)
	return tr
}

// ApplySync reconciles the local snapshot with a freshly fetched provider view.
func ApplySync(tn *Tenant, cur *Subscription, remote RemoteSnapshot, remoteTier PlanTier, now time.Time) Transition {
	tr := Transition{Operation: "sync"}
	next := cur.Clone()
	ApplyRemote(next, remote)

	switch status := SubscriptionStatus(remote.Status); status {
	case StatusActive:
		next.Status = status
		tr.setTenantStatus(tn, BillingActive)
	case StatusSuspended:
		next.Status = status
		tr.setTenantStatus(tn, suspendedTenantStatus(cur, now))
	case StatusCancelled, StatusExpired:
		next.Status = status
		next.clearPendingPlan()
		tr.setTenantStatus(tn, BillingCanceled)
	case StatusApprovalPending, StatusApproved:
		next.Status = status
	}
	if !next.Status.Terminal() {
		commitPending(&tr, cur, next, remoteTier, now)
	}

	if !sameState(cur, next) {
		tr.record(audit.ActionSubscriptionSynced, "subscription resynced from provider",
			map[string]interface{}{"remote_status": remote.Status, "previous_status": string(cur.Status)})
	}
	finish(&tr, cur, next, now)
	return tr
}

// ApplyRemote copies billing-period and payment fields reported by the provider.
func ApplyRemote(sub *Subscription, r RemoteSnapshot) {
	if r.LastPaymentTime != nil {
		sub.CurrentPeriodStart = cloneTime(r.LastPaymentTime)
	} else if r.StartTime != nil && sub.CurrentPeriodStart == nil {
		sub.CurrentPeriodStart = cloneTime(r.StartTime)
	}
	if r.NextBillingTime != nil {
		sub.CurrentPeriodEnd = cloneTime(r.NextBillingTime)
		sub.RenewalDate = cloneTime(r.NextBillingTime)
	}
	if r.LastPaymentAmount != "" {
		sub.LastPaymentAmount = r.LastPaymentAmount
		sub.LastPaymentCurrency = r.LastPaymentCurrency
	}
	if mask := MaskEmail(r.PayerEmail); mask != "" {
		sub.PaymentMethodMask = mask
	}
}

// finish drops the write when the event left the snapshot unchanged.
func finish(tr *Transition, cur, next *Subscription, now time.Time) {
	if sameState(cur, next) {
		return
	}
	next.UpdatedAt = now
	tr.Next = next
}

func sameState(a, b *Subscription) bool {
	return a.ProviderSubscriptionID == b.ProviderSubscriptionID &&
		a.PlanTier == b.PlanTier &&
		a.BillingCycle == b.BillingCycle &&
		a.Status == b.Status &&
		sameTier(a.PendingPlanTier, b.PendingPlanTier) &&
		a.PendingBillingCycle == b.PendingBillingCycle &&
		sameTime(a.PendingPlanEffectiveDate, b.PendingPlanEffectiveDate) &&
		sameTime(a.CancellationDate, b.CancellationDate) &&
		sameTime(a.CancellationEffectiveDate, b.CancellationEffectiveDate) &&
		a.CancellationReason == b.CancellationReason &&
		sameTime(a.CurrentPeriodStart, b.CurrentPeriodStart) &&
		sameTime(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		sameTime(a.RenewalDate, b.RenewalDate) &&
		a.PaymentMethodMask == b.PaymentMethodMask &&
		a.LastPaymentAmount == b.LastPaymentAmount &&
		a.LastPaymentCurrency == b.LastPaymentCurrency
}

func sameTier(a, b *PlanTier) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
