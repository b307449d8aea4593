package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinic-billing-service/internal/domain/billing"
	xerrors "clinic-billing-service/internal/pkg/errors"
	"clinic-billing-service/internal/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	mu        sync.Mutex
	cancelled []string
	synced    []string
	syncErr   map[string]error
}

func (f *fakeExecutor) ExecuteScheduledCancellation(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, tenantID)
	return &billing.Subscription{TenantID: tenantID}, nil
}

func (f *fakeExecutor) SyncFromProvider(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, tenantID)
	if err := f.syncErr[tenantID]; err != nil {
		return nil, err
	}
	return &billing.Subscription{TenantID: tenantID}, nil
}

func seed(store *memstore.Store, tenantID string, status billing.SubscriptionStatus, cancelAt *time.Time) {
	store.PutTenant(billing.Tenant{ID: tenantID, BillingStatus: billing.BillingActive})
	store.PutSubscription(&billing.Subscription{
		ID: "sub-" + tenantID, TenantID: tenantID, ProviderSubscriptionID: "I-" + tenantID,
		PlanTier: billing.TierPro, BillingCycle: billing.CycleMonthly, Status: status,
		CancellationEffectiveDate: cancelAt,
	})
}

func newReconciler(store *memstore.Store, exec *fakeExecutor) *Reconciler {
	r := New(Config{BatchSize: 10}, store, exec, zap.NewNop())
	r.now = func() time.Time { return now }
	return r
}

func TestRunOnceExecutesDueCancellationsAndSyncs(t *testing.T) {
	store := memstore.New()
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)
	seed(store, "t1", billing.StatusActive, &past)
	seed(store, "t2", billing.StatusActive, &future)
	seed(store, "t3", billing.StatusCancelled, nil)

	exec := &fakeExecutor{}
	report, err := newReconciler(store, exec).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1"}, exec.cancelled)
	assert.ElementsMatch(t, []string{"t1", "t2"}, exec.synced)
	assert.Equal(t, Report{Cancelled: 1, Synced: 2}, report)
}

func TestSyncFailureDoesNotStopPass(t *testing.T) {
	store := memstore.New()
	seed(store, "t1", billing.StatusActive, nil)
	seed(store, "t2", billing.StatusActive, nil)

	exec := &fakeExecutor{syncErr: map[string]error{"t1": errors.New("remote timeout")}}
	report, err := newReconciler(store, exec).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, exec.synced, 2)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Synced)
}

func TestOpenBreakerEndsSyncPass(t *testing.T) {
	store := memstore.New()
	seed(store, "t1", billing.StatusActive, nil)
	seed(store, "t2", billing.StatusActive, nil)

	exec := &fakeExecutor{syncErr: map[string]error{
		"t1": xerrors.ErrProviderUnavailable,
		"t2": xerrors.ErrProviderUnavailable,
	}}
	report, err := newReconciler(store, exec).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, exec.synced, 1)
	assert.Equal(t, 1, report.Failed)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memstore.New()
	exec := &fakeExecutor{}
	r := New(Config{Interval: time.Hour}, store, exec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
