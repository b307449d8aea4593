package billing

import (
	"errors"
	"testing"
	"time"

	"clinic-billing-service/internal/domain/audit"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func ptrTime(t time.Time) *time.Time { return &t }

func activeSub(tier PlanTier) *Subscription {
	renewal := now.AddDate(0, 0, 17)
	start := now.AddDate(0, 0, -14)
	return &Subscription{
		ID:                     "sub-1",
		TenantID:               "t1",
		ProviderSubscriptionID: "I-1",
		PlanTier:               tier,
		BillingCycle:           CycleMonthly,
		Status:                 StatusActive,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       ptrTime(renewal),
		RenewalDate:            &renewal,
	}
}

func tenant(status BillingStatus) *Tenant {
	return &Tenant{ID: "t1", BillingStatus: status}
}

func actions(tr Transition) []audit.Action {
	out := make([]audit.Action, 0, len(tr.Audit))
	for _, a := range tr.Audit {
		out = append(out, a.Action)
	}
	return out
}

func TestPlanCreateNewSubscription(t *testing.T) {
	tr, err := PlanCreate(tenant(BillingCanceled), nil, TierBasic, CycleMonthly, "P-BASIC-M", now)
	require.NoError(t, err)

	assert.True(t, tr.Insert)
	assert.Equal(t, StatusApprovalPending, tr.Next.Status)
	assert.Empty(t, tr.Next.ProviderSubscriptionID)
	require.NotNil(t, tr.Call)
	assert.Equal(t, CallCreate, tr.Call.Kind)
	assert.Equal(t, "tenant_t1", tr.Call.CorrelationID)
	require.NotNil(t, tr.TenantStatus)
	assert.Equal(t, BillingPendingPayment, *tr.TenantStatus)
	assert.Equal(t, []audit.Action{audit.ActionSubscriptionCreated, audit.ActionTenantBillingStatus}, actions(tr))
}

func TestPlanCreateRejectsLiveSubscription(t *testing.T) {
	_, err := PlanCreate(tenant(BillingActive), activeSub(TierPro), TierBasic, CycleMonthly, "P", now)
	assert.ErrorIs(t, err, xerrors.ErrConflict)
}

func TestPlanCreateRestartsAbandonedCheckout(t *testing.T) {
	cur := &Subscription{ID: "sub-1", TenantID: "t1", PlanTier: TierPro, BillingCycle: CycleMonthly, Status: StatusApprovalPending}

	tr, err := PlanCreate(tenant(BillingPendingPayment), cur, TierBasic, CycleYearly, "P-BASIC-Y", now)
	require.NoError(t, err)

	assert.False(t, tr.Insert)
	assert.Equal(t, "sub-1", tr.Next.ID)
	assert.Equal(t, TierBasic, tr.Next.PlanTier)
	assert.Equal(t, CycleYearly, tr.Next.BillingCycle)
	assert.Equal(t, TierPro, cur.PlanTier, "input snapshot must not be mutated")
}

func TestPlanCreateKeepsLinkedRow(t *testing.T) {
	for _, status := range []SubscriptionStatus{StatusCancelled, StatusExpired, StatusSuspended} {
		t.Run(string(status), func(t *testing.T) {
			cur := activeSub(TierPro)
			cur.Status = status

			_, err := PlanCreate(tenant(BillingCanceled), cur, TierBasic, CycleYearly, "P-BASIC-Y", now)
			assert.ErrorIs(t, err, xerrors.ErrConflict)
			assert.Equal(t, "I-1", cur.ProviderSubscriptionID)
		})
	}
}

func TestPlanActivateNeverRelinksClosedRow(t *testing.T) {
	cur := activeSub(TierBasic)
	cur.Status = StatusCancelled

	_, err := PlanActivate(tenant(BillingCanceled), cur, Activation{ProviderSubscriptionID: "I-2"}, now)
	assert.ErrorIs(t, err, xerrors.ErrConflict)
}

func TestPlanActivateFromApprovalPending(t *testing.T) {
	cur := &Subscription{ID: "sub-1", TenantID: "t1", PlanTier: TierBasic, BillingCycle: CycleMonthly, Status: StatusApprovalPending}
	next := now.AddDate(0, 1, 0)

	tr, err := PlanActivate(tenant(BillingPendingPayment), cur, Activation{
		ProviderSubscriptionID: "I-9",
		Remote:                 RemoteSnapshot{NextBillingTime: &next, PayerEmail: "owner@clinic.example"},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, tr.Next.Status)
	assert.Equal(t, "I-9", tr.Next.ProviderSubscriptionID)
	assert.Equal(t, TierBasic, tr.Next.PlanTier)
	assert.True(t, tr.Next.RenewalDate.Equal(next))
	assert.Equal(t, "o***@clinic.example", tr.Next.PaymentMethodMask)
	assert.Equal(t, BillingActive, *tr.TenantStatus)
	assert.Equal(t, []audit.Action{audit.ActionSubscriptionActivated, audit.ActionTenantBillingStatus}, actions(tr))
}

func TestPlanActivateDuplicateIsNoOp(t *testing.T) {
	tr, err := PlanActivate(tenant(BillingActive), activeSub(TierBasic), Activation{ProviderSubscriptionID: "I-1"}, now)
	require.NoError(t, err)
	assert.True(t, tr.NoOp())
}

func TestPlanActivateRejectsSecondProviderID(t *testing.T) {
	_, err := PlanActivate(tenant(BillingActive), activeSub(TierBasic), Activation{ProviderSubscriptionID: "I-2"}, now)
	assert.ErrorIs(t, err, xerrors.ErrConflict)
}

func TestPlanUpgradeSetsPendingAndRevises(t *testing.T) {
	cur := activeSub(TierBasic)

	tr, err := PlanUpgrade(cur, TierPro, CycleMonthly, "P-PRO-M", now)
	require.NoError(t, err)

	assert.Equal(t, TierBasic, tr.Next.PlanTier)
	require.NotNil(t, tr.Next.PendingPlanTier)
	assert.Equal(t, TierPro, *tr.Next.PendingPlanTier)
	assert.True(t, tr.Next.PendingPlanEffectiveDate.Equal(now))
	assert.Equal(t, CallRevise, tr.Call.Kind)
	assert.Equal(t, "I-1", tr.Call.ProviderSubscriptionID)
	assert.Nil(t, cur.PendingPlanTier)
}

func TestSecondUpgradeConflicts(t *testing.T) {
	first, err := PlanUpgrade(activeSub(TierBasic), TierPro, CycleMonthly, "P-PRO-M", now)
	require.NoError(t, err)

	_, err = PlanUpgrade(first.Next, TierEnterprise, CycleMonthly, "P-ENT-M", now)

	var conflict *xerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "PRO", conflict.PendingTarget)
	assert.NotNil(t, conflict.EffectiveDate)
}

func TestPlanUpgradeValidation(t *testing.T) {
	_, err := PlanUpgrade(activeSub(TierPro), TierPro, CycleMonthly, "P", now)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	_, err = PlanUpgrade(activeSub(TierPro), TierBasic, CycleMonthly, "P", now)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	suspended := activeSub(TierBasic)
	suspended.Status = StatusSuspended
	_, err = PlanUpgrade(suspended, TierPro, CycleMonthly, "P", now)
	var invalid *xerrors.InvalidStateError
	assert.ErrorAs(t, err, &invalid)
}

func TestPlanDowngradeEffectiveAtRenewal(t *testing.T) {
	cur := activeSub(TierPro)

	tr, err := PlanDowngrade(cur, TierBasic, CycleMonthly, now)
	require.NoError(t, err)

	assert.Nil(t, tr.Call)
	assert.Equal(t, TierPro, tr.Next.PlanTier)
	assert.Equal(t, TierBasic, *tr.Next.PendingPlanTier)
	assert.True(t, tr.Next.PendingPlanEffectiveDate.Equal(*cur.RenewalDate))
}

func TestPlanDowngradeNeedsRenewalDate(t *testing.T) {
	cur := activeSub(TierPro)
	cur.RenewalDate, cur.CurrentPeriodEnd = nil, nil

	_, err := PlanDowngrade(cur, TierBasic, CycleMonthly, now)
	var invalid *xerrors.InvalidStateError
	assert.ErrorAs(t, err, &invalid)
}

func TestPlanCancelImmediateSuspends(t *testing.T) {
	tr, err := PlanCancel(tenant(BillingActive), activeSub(TierPro), true, "closing clinic", now)
	require.NoError(t, err)

	assert.Equal(t, StatusSuspended, tr.Next.Status)
	assert.True(t, tr.Next.CancellationDate.Equal(now))
	assert.True(t, tr.Next.CancellationEffectiveDate.Equal(now))
	assert.Equal(t, CallSuspend, tr.Call.Kind)
	assert.Equal(t, BillingSuspended, *tr.TenantStatus)
}

func TestPlanCancelScheduledAtRenewal(t *testing.T) {
	cur := activeSub(TierPro)

	tr, err := PlanCancel(tenant(BillingActive), cur, false, "", now)
	require.NoError(t, err)

	assert.Nil(t, tr.Call)
	assert.Nil(t, tr.TenantStatus)
	assert.Equal(t, StatusActive, tr.Next.Status)
	assert.True(t, tr.Next.CancellationEffectiveDate.Equal(*cur.RenewalDate))
	assert.True(t, tr.Next.HasScheduledCancellation())
}

func TestPendingChangesAreMutuallyExclusive(t *testing.T) {
	scheduled, err := PlanCancel(tenant(BillingActive), activeSub(TierPro), false, "", now)
	require.NoError(t, err)

	_, err = PlanDowngrade(scheduled.Next, TierBasic, CycleMonthly, now)
	var conflict *xerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "cancellation", conflict.PendingKind)

	pending, err := PlanDowngrade(activeSub(TierPro), TierBasic, CycleMonthly, now)
	require.NoError(t, err)
	_, err = PlanCancel(tenant(BillingActive), pending.Next, true, "", now)
	assert.ErrorIs(t, err, xerrors.ErrConflict)
}

func TestPlanScheduledCancellationOnlyWhenDue(t *testing.T) {
	scheduled, err := PlanCancel(tenant(BillingActive), activeSub(TierPro), false, "moving", now)
	require.NoError(t, err)

	_, err = PlanScheduledCancellation(tenant(BillingActive), scheduled.Next, now)
	var invalid *xerrors.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	later := scheduled.Next.CancellationEffectiveDate.Add(time.Minute)
	tr, err := PlanScheduledCancellation(tenant(BillingActive), scheduled.Next, later)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, tr.Next.Status)
	assert.Equal(t, "moving", tr.Call.Reason)
}

func TestResumeOnlyFromSuspended(t *testing.T) {
	cancelled := activeSub(TierPro)
	cancelled.Status = StatusCancelled

	_, err := PlanResume(tenant(BillingCanceled), cancelled, now)

	var invalid *xerrors.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"SUSPENDED"}, invalid.Allowed)
	assert.Equal(t, "CANCELLED", invalid.Current)
}

func TestResumeClearsCancellation(t *testing.T) {
	cut, err := PlanCancel(tenant(BillingActive), activeSub(TierPro), true, "pause", now)
	require.NoError(t, err)

	tr, err := PlanResume(tenant(BillingSuspended), cut.Next, now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, StatusActive, tr.Next.Status)
	assert.Nil(t, tr.Next.CancellationDate)
	assert.Nil(t, tr.Next.CancellationEffectiveDate)
	assert.Empty(t, tr.Next.CancellationReason)
	assert.Equal(t, CallReactivate, tr.Call.Kind)
	assert.Equal(t, BillingActive, *tr.TenantStatus)
}

func TestManualOverrideClearsPending(t *testing.T) {
	pending, err := PlanDowngrade(activeSub(TierPro), TierBasic, CycleMonthly, now)
	require.NoError(t, err)

	tr, err := PlanManualOverride(pending.Next, TierEnterprise, "goodwill credit", now)
	require.NoError(t, err)

	assert.Nil(t, tr.Call)
	assert.Equal(t, TierEnterprise, tr.Next.PlanTier)
	assert.Nil(t, tr.Next.PendingPlanTier)
	assert.Nil(t, tr.Next.PendingPlanEffectiveDate)
	require.Len(t, tr.Audit, 1)
	assert.Equal(t, audit.ActionManualOverride, tr.Audit[0].Action)
	assert.Equal(t, "BASIC", tr.Audit[0].Metadata["cleared_pending_tier"])

	_, err = PlanManualOverride(activeSub(TierPro), TierBasic, "", now)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestWithdrawPendingChange(t *testing.T) {
	pending, err := PlanDowngrade(activeSub(TierPro), TierBasic, CycleMonthly, now)
	require.NoError(t, err)

	tr, err := PlanWithdrawPendingChange(pending.Next, now)
	require.NoError(t, err)
	assert.Nil(t, tr.Next.PendingPlanTier)

	_, err = PlanWithdrawPendingChange(tr.Next, now)
	var invalid *xerrors.InvalidStateError
	assert.ErrorAs(t, err, &invalid)
}

func TestApplyCancelledIsIdempotent(t *testing.T) {
	pending, err := PlanDowngrade(activeSub(TierPro), TierBasic, CycleMonthly, now)
	require.NoError(t, err)

	first := ApplyCancelled(tenant(BillingActive), pending.Next, RemoteSnapshot{}, now)
	require.NotNil(t, first.Next)
	assert.Equal(t, StatusCancelled, first.Next.Status)
	assert.Nil(t, first.Next.PendingPlanTier)
	assert.Equal(t, BillingCanceled, *first.TenantStatus)

	second := ApplyCancelled(tenant(BillingCanceled), first.Next, RemoteSnapshot{}, now.Add(time.Minute))
	assert.True(t, second.NoOp())
}

func TestApplySuspendedTenantStatus(t *testing.T) {
	tr := ApplySuspended(tenant(BillingActive), activeSub(TierPro), RemoteSnapshot{}, now)
	assert.Equal(t, StatusSuspended, tr.Next.Status)
	assert.Equal(t, BillingPastDue, *tr.TenantStatus)

	cut, err := PlanCancel(tenant(BillingActive), activeSub(TierPro), true, "", now)
	require.NoError(t, err)
	echo := ApplySuspended(tenant(BillingSuspended), cut.Next, RemoteSnapshot{}, now.Add(time.Second))
	assert.True(t, echo.NoOp(), "provider echo of our own suspension changes nothing")
}

func TestApplyUpdatedCommitsPendingWhenDue(t *testing.T) {
	pending, err := PlanDowngrade(activeSub(TierPro), TierBasic, CycleMonthly, now)
	require.NoError(t, err)

	early := ApplyUpdated(pending.Next, RemoteSnapshot{}, "", now.Add(time.Hour))
	if early.Next != nil {
		assert.Equal(t, TierPro, early.Next.PlanTier)
	}

	renewal := *pending.Next.PendingPlanEffectiveDate
	nextRenewal := renewal.AddDate(0, 1, 0)
	tr := ApplyUpdated(pending.Next, RemoteSnapshot{NextBillingTime: &nextRenewal}, "", renewal.Add(time.Minute))
	require.NotNil(t, tr.Next)
	assert.Equal(t, TierBasic, tr.Next.PlanTier)
	assert.Nil(t, tr.Next.PendingPlanTier)
	assert.True(t, tr.Next.RenewalDate.Equal(nextRenewal))
	assert.Equal(t, []audit.Action{audit.ActionPlanChangeCommitted}, actions(tr))
}

func TestApplyUpdatedCommitsUpgradeWhenProviderConfirms(t *testing.T) {
	pending, err := PlanUpgrade(activeSub(TierBasic), TierPro, CycleMonthly, "P-PRO-M", now)
	require.NoError(t, err)

	tr := ApplyUpdated(pending.Next, RemoteSnapshot{PlanID: "P-PRO-M"}, TierPro, now.Add(time.Minute))
	require.NotNil(t, tr.Next)
	assert.Equal(t, TierPro, tr.Next.PlanTier)
}

func TestApplyUpdatedWithoutPendingOnlyRefreshes(t *testing.T) {
	cur := activeSub(TierPro)
	same := ApplyUpdated(cur, RemoteSnapshot{}, "", now)
	assert.True(t, same.NoOp())

	next := now.AddDate(0, 2, 0)
	tr := ApplyUpdated(cur, RemoteSnapshot{NextBillingTime: &next}, TierBasic, now)
	require.NotNil(t, tr.Next)
	assert.Equal(t, TierPro, tr.Next.PlanTier)
	assert.True(t, tr.Next.RenewalDate.Equal(next))
}

func TestApplyPaymentRecordsAmount(t *testing.T) {
	tr := ApplyPayment(activeSub(TierPro), RemoteSnapshot{LastPaymentAmount: "99.00", LastPaymentCurrency: "USD"}, "SALE-1", now)
	require.NotNil(t, tr.Next)
	assert.Equal(t, "99.00", tr.Next.LastPaymentAmount)
	assert.Equal(t, []audit.Action{audit.ActionPaymentReceived}, actions(tr))
}

func TestApplySyncMapsRemoteStatus(t *testing.T) {
	tr := ApplySync(tenant(BillingActive), activeSub(TierPro), RemoteSnapshot{Status: "CANCELLED"}, "", now)
	require.NotNil(t, tr.Next)
	assert.Equal(t, StatusCancelled, tr.Next.Status)
	assert.Equal(t, BillingCanceled, *tr.TenantStatus)

	unchanged := ApplySync(tenant(BillingActive), activeSub(TierPro), RemoteSnapshot{Status: "ACTIVE"}, "", now)
	assert.True(t, unchanged.NoOp())
}

func TestCorrelationRoundTrip(t *testing.T) {
	id, ok := ParseCorrelationID(CorrelationID("abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = ParseCorrelationID("clinic_abc")
	assert.False(t, ok)
	_, ok = ParseCorrelationID("tenant_")
	assert.False(t, ok)
}

func TestTierParsingAndRank(t *testing.T) {
	tier, err := ParsePlanTier("pro")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tier)
	assert.Greater(t, TierEnterprise.Rank(), TierPro.Rank())

	_, err = ParsePlanTier("gold")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, xerrors.ErrConflict))
}
