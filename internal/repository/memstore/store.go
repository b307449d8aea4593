// internal/repository/memstore/store.go
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinic-billing-service/internal/domain/audit"
	"clinic-billing-service/internal/domain/billing"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/google/uuid"
)

// Store is an in-process billing.Store. Transactions are serialised by one
// mutex and work on a private copy that replaces the committed state on success.
type Store struct {
	txMu sync.Mutex

	mu     sync.RWMutex
	state  *state
	ledger []*audit.Entry
}

type state struct {
	tenants map[string]billing.Tenant
	subs    map[string]*billing.Subscription // keyed by tenant id
	audit   []*audit.Entry
	events  map[string]string
}

func New() *Store {
	return &Store{state: &state{
		tenants: make(map[string]billing.Tenant),
		subs:    make(map[string]*billing.Subscription),
		events:  make(map[string]string),
	}}
}

func (s *state) clone() *state {
	c := &state{
		tenants: make(map[string]billing.Tenant, len(s.tenants)),
		subs:    make(map[string]*billing.Subscription, len(s.subs)),
		audit:   append([]*audit.Entry(nil), s.audit...),
		events:  make(map[string]string, len(s.events)),
	}
	for k, v := range s.tenants {
		c.tenants[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v.Clone()
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

// PutTenant seeds a tenant row.
func (s *Store) PutTenant(t billing.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.tenants[t.ID] = t
}

// PutSubscription seeds a subscription row.
func (s *Store) PutSubscription(sub *billing.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := sub.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.state.subs[c.TenantID] = c
}

// AuditEntries returns committed and directly recorded entries, oldest first.
func (s *Store) AuditEntries(tenantID string) []*audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.Entry
	for _, e := range append(append([]*audit.Entry(nil), s.state.audit...), s.ledger...) {
		if tenantID == "" || e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ProcessedEvents returns the number of recorded webhook event ids.
func (s *Store) ProcessedEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.events)
}

func (s *Store) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&tx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*billing.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.state.tenants[tenantID]
	if !ok {
		return nil, xerrors.NotFound("tenant", tenantID)
	}
	return &t, nil
}

func (s *Store) FindByTenant(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.state.subs[tenantID]
	if !ok {
		return nil, xerrors.NotFound("subscription for tenant", tenantID)
	}
	return sub.Clone(), nil
}

func (s *Store) ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.Subscription
	for _, sub := range s.state.subs {
		if sub.HasScheduledCancellation() && !sub.CancellationEffectiveDate.After(now) {
			out = append(out, sub.Clone())
		}
	}
	return limitSorted(out, limit), nil
}

func (s *Store) ListLinked(ctx context.Context, limit int) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.Subscription
	for _, sub := range s.state.subs {
		if sub.ProviderSubscriptionID != "" && !sub.Status.Terminal() {
			out = append(out, sub.Clone())
		}
	}
	return limitSorted(out, limit), nil
}

func limitSorted(subs []*billing.Subscription, limit int) []*billing.Subscription {
	sort.Slice(subs, func(i, j int) bool { return subs[i].TenantID < subs[j].TenantID })
	if limit > 0 && len(subs) > limit {
		subs = subs[:limit]
	}
	return subs
}

// Record appends an entry outside any transaction.
func (s *Store) Record(ctx context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, e)
	return nil
}

type tx struct {
	st *state
}

func (t *tx) LockTenant(ctx context.Context, tenantID string) (*billing.Tenant, error) {
	tn, ok := t.st.tenants[tenantID]
	if !ok {
		return nil, xerrors.NotFound("tenant", tenantID)
	}
	return &tn, nil
}

func (t *tx) LockSubscription(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	sub, ok := t.st.subs[tenantID]
	if !ok {
		return nil, nil
	}
	return sub.Clone(), nil
}

func (s *Store) FindTenantIDByProviderID(ctx context.Context, providerSubscriptionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for tenantID, sub := range s.state.subs {
		if sub.ProviderSubscriptionID == providerSubscriptionID {
			return tenantID, nil
		}
	}
	return "", xerrors.NotFound("provider subscription", providerSubscriptionID)
}

func (t *tx) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if _, exists := t.st.subs[sub.TenantID]; exists {
		return xerrors.Wrap(xerrors.ErrDuplicateEntry, "subscription for tenant "+sub.TenantID)
	}
	if err := t.checkConstraints(sub); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	t.st.subs[sub.TenantID] = sub.Clone()
	return nil
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	cur, ok := t.st.subs[sub.TenantID]
	if !ok || cur.ID != sub.ID {
		return xerrors.NotFound("subscription", sub.ID)
	}
	if err := t.checkConstraints(sub); err != nil {
		return err
	}
	t.st.subs[sub.TenantID] = sub.Clone()
	return nil
}

func (t *tx) checkConstraints(sub *billing.Subscription) error {
	if sub.PendingPlanTier != nil && sub.CancellationEffectiveDate != nil {
		return xerrors.Wrap(xerrors.ErrConflict, "subscription "+sub.ID+" has both a pending plan change and a cancellation")
	}
	if sub.ProviderSubscriptionID == "" {
		return nil
	}
	for tenantID, other := range t.st.subs {
		if tenantID != sub.TenantID && other.ProviderSubscriptionID == sub.ProviderSubscriptionID {
			return xerrors.Wrap(xerrors.ErrDuplicateEntry, "provider subscription "+sub.ProviderSubscriptionID)
		}
	}
	return nil
}

func (t *tx) SetTenantBillingStatus(ctx context.Context, tenantID string, status billing.BillingStatus) error {
	tn, ok := t.st.tenants[tenantID]
	if !ok {
		return xerrors.NotFound("tenant", tenantID)
	}
	tn.BillingStatus = status
	tn.UpdatedAt = time.Now().UTC()
	t.st.tenants[tenantID] = tn
	return nil
}

func (t *tx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	t.st.audit = append(t.st.audit, e)
	return nil
}

func (t *tx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if _, seen := t.st.events[eventID]; seen {
		return false, nil
	}
	t.st.events[eventID] = eventType
	return true, nil
}
