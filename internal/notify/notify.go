// internal/notify/notify.go
package notify

import (
	"context"
	"errors"

	"clinic-billing-service/internal/domain/billing"
	wstypes "clinic-billing-service/internal/domain/websocket"

	"go.uber.org/zap"
)

// Publisher delivers a tenant billing status change somewhere.
type Publisher interface {
	Publish(ctx context.Context, change billing.StatusChange) error
}

// Broadcaster is the websocket hub.
type Broadcaster interface {
	BroadcastBillingStatus(data *wstypes.BillingStatusData) bool
}

// Hub pushes changes to the tenant's connected dashboards.
type Hub struct {
	hub Broadcaster
}

func NewHub(hub Broadcaster) *Hub {
	return &Hub{hub: hub}
}

var ErrHubBusy = errors.New("websocket broadcast buffer full")

func (h *Hub) Publish(ctx context.Context, change billing.StatusChange) error {
	ok := h.hub.BroadcastBillingStatus(&wstypes.BillingStatusData{
		TenantID:      change.TenantID,
		BillingStatus: string(change.Current),
		Previous:      string(change.Previous),
		PlanTier:      string(change.PlanTier),
		HasAccess:     change.Current.GrantsAccess(),
		Reason:        change.Reason,
		OccurredAt:    change.OccurredAt,
	})
	if !ok {
		return ErrHubBusy
	}
	return nil
}

// Fanout publishes to every target. A failing target does not stop the rest.
type Fanout struct {
	targets []Publisher
	logger  *zap.Logger
}

func NewFanout(logger *zap.Logger, targets ...Publisher) *Fanout {
	return &Fanout{targets: targets, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, change billing.StatusChange) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Publish(ctx, change); err != nil {
			f.logger.Warn("failed to publish billing status change",
				zap.String("tenant_id", change.TenantID),
				zap.String("status", string(change.Current)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
