// internal/websocket/handler/billing.go
package handlers

import (
	"context"
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/billing"
	wstypes "clinic-billing-service/internal/domain/websocket"
	ws "clinic-billing-service/internal/websocket"
)

// StatusReader answers billing status lookups.
type StatusReader interface {
	GetBillingStatus(ctx context.Context, tenantID string) (billing.BillingStatus, error)
}

type BillingHandler struct {
	status StatusReader
}

func NewBillingHandler(status StatusReader) *BillingHandler {
	return &BillingHandler{status: status}
}

func (h *BillingHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{wstypes.EventTypeBillingStatusGet}
}

func (h *BillingHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	switch msg.Type {
	case wstypes.EventTypeBillingStatusGet:
		return h.handleGetStatus(ctx, client)
	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}
}

// handleGetStatus always answers for the connection's own tenant.
func (h *BillingHandler) handleGetStatus(ctx context.Context, client *ws.Client) error {
	tenantID := client.TenantID()
	if tenantID == "" {
		return ws.ErrUnauthorized
	}

	status, err := h.status.GetBillingStatus(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load billing status: %w", err)
	}

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeBillingStatus, &wstypes.BillingStatusData{
		TenantID:      tenantID,
		BillingStatus: string(status),
		HasAccess:     status.GrantsAccess(),
		OccurredAt:    time.Now().UTC(),
	}))
	return nil
}
