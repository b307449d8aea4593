// internal/repository/postgres/webhook_event_repo.go
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type WebhookEventRepository struct{}

func NewWebhookEventRepository() *WebhookEventRepository {
	return &WebhookEventRepository{}
}

// MarkProcessedWithTx records the event id and reports false if it was already there.
// The marker commits or rolls back with the state change it guards.
func (r *WebhookEventRepository) MarkProcessedWithTx(ctx context.Context, tx pgx.Tx, eventID, eventType string) (bool, error) {
	query := `
		INSERT INTO processed_webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
