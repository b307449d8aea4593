// internal/repository/postgres/tenant_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"clinic-billing-service/internal/domain/billing"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantRepository touches only the billing columns of the tenant row.
type TenantRepository struct {
	db *pgxpool.Pool
}

func NewTenantRepository(db *pgxpool.Pool) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `id, name, billing_status, updated_at`

func scanTenant(row pgx.Row, tenantID string) (*billing.Tenant, error) {
	var t billing.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.BillingStatus, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.NotFound("tenant", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &t, nil
}

// FindByID retrieves a tenant
func (r *TenantRepository) FindByID(ctx context.Context, id string) (*billing.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(r.db.QueryRow(ctx, query, id), id)
}

// LockWithTx reads the tenant row and holds its lock until the transaction ends
func (r *TenantRepository) LockWithTx(ctx context.Context, tx pgx.Tx, id string) (*billing.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1 FOR UPDATE`
	return scanTenant(tx.QueryRow(ctx, query, id), id)
}

// UpdateBillingStatusWithTx writes the only tenant column billing owns
func (r *TenantRepository) UpdateBillingStatusWithTx(ctx context.Context, tx pgx.Tx, id string, status billing.BillingStatus) error {
	query := `UPDATE tenants SET billing_status = $2, updated_at = NOW() WHERE id = $1`

	tag, err := tx.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update tenant billing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.NotFound("tenant", id)
	}
	return nil
}

// Upsert registers a tenant. Tenant management owns the row; operators use this
// to seed tenants into a fresh billing database.
func (r *TenantRepository) Upsert(ctx context.Context, t *billing.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, billing_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()
		RETURNING billing_status, updated_at
	`
	if t.BillingStatus == "" {
		t.BillingStatus = billing.BillingPendingPayment
	}
	if err := r.db.QueryRow(ctx, query, t.ID, t.Name, t.BillingStatus).Scan(&t.BillingStatus, &t.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}
