// internal/repository/postgres/store.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/audit"
	"clinic-billing-service/internal/domain/billing"

	"github.com/jackc/pgx/v5"
)

// Store implements billing.Store over the repositories.
type Store struct {
	db            *DB
	tenants       *TenantRepository
	subscriptions *SubscriptionRepository
	audits        *AuditRepository
	events        *WebhookEventRepository
}

func NewStore(db *DB) *Store {
	pool := db.Pool()
	return &Store{
		db:            db,
		tenants:       NewTenantRepository(pool),
		subscriptions: NewSubscriptionRepository(pool),
		audits:        NewAuditRepository(pool),
		events:        NewWebhookEventRepository(),
	}
}

func (s *Store) Tenants() *TenantRepository { return s.tenants }
func (s *Store) Audits() *AuditRepository   { return s.audits }

// InTx commits when fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&storeTx{tx: tx, store: s}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translate(err))
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*billing.Tenant, error) {
	return s.tenants.FindByID(ctx, tenantID)
}

func (s *Store) FindByTenant(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	return s.subscriptions.FindByTenant(ctx, tenantID)
}

func (s *Store) FindTenantIDByProviderID(ctx context.Context, providerSubscriptionID string) (string, error) {
	return s.subscriptions.FindTenantIDByProviderID(ctx, providerSubscriptionID)
}

func (s *Store) ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	return s.subscriptions.ListDueCancellations(ctx, now, limit)
}

func (s *Store) ListLinked(ctx context.Context, limit int) ([]*billing.Subscription, error) {
	return s.subscriptions.ListLinked(ctx, limit)
}

// Record implements audit.Ledger.
func (s *Store) Record(ctx context.Context, e *audit.Entry) error {
	return s.audits.Record(ctx, e)
}

type storeTx struct {
	tx    pgx.Tx
	store *Store
}

func (t *storeTx) LockTenant(ctx context.Context, tenantID string) (*billing.Tenant, error) {
	return t.store.tenants.LockWithTx(ctx, t.tx, tenantID)
}

func (t *storeTx) LockSubscription(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	return t.store.subscriptions.LockByTenantWithTx(ctx, t.tx, tenantID)
}

func (t *storeTx) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	return t.store.subscriptions.CreateWithTx(ctx, t.tx, sub)
}

func (t *storeTx) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	return t.store.subscriptions.UpdateWithTx(ctx, t.tx, sub)
}

func (t *storeTx) SetTenantBillingStatus(ctx context.Context, tenantID string, status billing.BillingStatus) error {
	return t.store.tenants.UpdateBillingStatusWithTx(ctx, t.tx, tenantID, status)
}

func (t *storeTx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return t.store.audits.CreateWithTx(ctx, t.tx, e)
}

func (t *storeTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	return t.store.events.MarkProcessedWithTx(ctx, t.tx, eventID, eventType)
}

var (
	_ billing.Store = (*Store)(nil)
	_ audit.Ledger  = (*Store)(nil)
)
