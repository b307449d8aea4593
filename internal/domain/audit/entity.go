// internal/domain/audit/entity.go
package audit

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

type Action string

const (
	ActionSubscriptionCreated      Action = "SUBSCRIPTION_CREATED"
	ActionSubscriptionActivated    Action = "SUBSCRIPTION_ACTIVATED"
	ActionTenantBillingStatus      Action = "TENANT_BILLING_STATUS_CHANGED"
	ActionPlanUpgradeRequested     Action = "PLAN_UPGRADE_REQUESTED"
	ActionPlanDowngradeScheduled   Action = "PLAN_DOWNGRADE_SCHEDULED"
	ActionPlanChangeCommitted      Action = "PLAN_CHANGE_COMMITTED"
	ActionPendingChangeWithdrawn   Action = "PENDING_CHANGE_WITHDRAWN"
	ActionCancellationScheduled    Action = "SUBSCRIPTION_CANCELLATION_SCHEDULED"
	ActionSubscriptionCancelled    Action = "SUBSCRIPTION_CANCELLED"
	ActionSubscriptionSuspended    Action = "SUBSCRIPTION_SUSPENDED"
	ActionSubscriptionResumed      Action = "SUBSCRIPTION_RESUMED"
	ActionSubscriptionSynced       Action = "SUBSCRIPTION_SYNCED"
	ActionBillingPeriodRefreshed   Action = "BILLING_PERIOD_REFRESHED"
	ActionPaymentReceived          Action = "PAYMENT_RECEIVED"
	ActionManualOverride           Action = "MANUAL_OVERRIDE"
	ActionProviderCall             Action = "PROVIDER_CALL"
	ActionWebhookProcessingFailed  Action = "WEBHOOK_PROCESSING_FAILED"
	ActionUnmatchedPayment         Action = "PAYMENT_UNMATCHED"
)

// SystemOperator marks entries written by the service itself rather than a person.
const SystemOperator = "system"

// Entry is one append-only ledger row.
type Entry struct {
	ID          string                 `json:"id" db:"id"`
	Action      Action                 `json:"action" db:"action"`
	TenantID    string                 `json:"tenant_id,omitempty" db:"tenant_id"`
	OperatorID  string                 `json:"operator_id" db:"operator_id"`
	Description string                 `json:"description" db:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// NewEntry stamps an entry with a sortable id.
func NewEntry(action Action, tenantID, operatorID, description string, metadata map[string]interface{}, at time.Time) *Entry {
	if operatorID == "" {
		operatorID = SystemOperator
	}
	return &Entry{
		ID:          ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Action:      action,
		TenantID:    tenantID,
		OperatorID:  operatorID,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   at,
	}
}

// Ledger appends entries outside any business transaction.
type Ledger interface {
	Record(ctx context.Context, e *Entry) error
}

type ListFilters struct {
	TenantID string     `form:"tenant_id"`
	Actions  []string   `form:"action"`
	Since    *time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit    int        `form:"limit"`
}
