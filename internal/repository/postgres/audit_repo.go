// internal/repository/postgres/audit_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"clinic-billing-service/internal/domain/audit"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// AuditRepository is append-only; there is no update or delete.
type AuditRepository struct {
	db *pgxpool.Pool
}

func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

const insertAuditQuery = `
	INSERT INTO audit_entries (id, action, tenant_id, operator_id, description, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func auditArgs(e *audit.Entry) ([]interface{}, error) {
	var metadataJSON []byte
	if len(e.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}
	return []interface{}{e.ID, e.Action, nullable(e.TenantID), e.OperatorID, e.Description, metadataJSON, e.CreatedAt}, nil
}

// CreateWithTx appends an entry inside the caller's transaction
func (r *AuditRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, e *audit.Entry) error {
	args, err := auditArgs(e)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertAuditQuery, args...); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Record appends an entry on its own connection
func (r *AuditRepository) Record(ctx context.Context, e *audit.Entry) error {
	args, err := auditArgs(e)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, insertAuditQuery, args...); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// List returns entries newest first
func (r *AuditRepository) List(ctx context.Context, filters *audit.ListFilters) ([]*audit.Entry, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	argPos := 1

	if filters.TenantID != "" {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argPos))
		args = append(args, filters.TenantID)
		argPos++
	}

	if len(filters.Actions) > 0 {
		conditions = append(conditions, fmt.Sprintf("action = ANY($%d)", argPos))
		args = append(args, pq.Array(filters.Actions))
		argPos++
	}

	if filters.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argPos))
		args = append(args, *filters.Since)
		argPos++
	}

	if filters.Limit < 1 || filters.Limit > 500 {
		filters.Limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, action, COALESCE(tenant_id, ''), operator_id, description, metadata, created_at
		FROM audit_entries
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, strings.Join(conditions, " AND "), argPos)
	args = append(args, filters.Limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e            audit.Entry
			metadataJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.TenantID, &e.OperatorID, &e.Description, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
