// internal/notify/jetstream.go
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clinic-billing-service/internal/domain/billing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	StreamName    = "BILLING"
	subjectPrefix = "billing.status."
)

// Subject is where a tenant's status changes are published.
func Subject(tenantID string) string { return subjectPrefix + tenantID }

// JetStream publishes status changes for other platform services.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// Connect establishes a connection to NATS and ensures the stream exists.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("clinic-billing-service"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ">"},
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	logger.Info("nats connected", zap.String("url", url), zap.String("stream", StreamName))
	return &JetStream{nc: nc, js: js, logger: logger}, nil
}

// Publish sends the change with a message id, so a retried publish is stored once.
func (p *JetStream) Publish(ctx context.Context, change billing.StatusChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal status change: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(change.TenantID), data, jetstream.WithMsgID(messageID(change))); err != nil {
		return fmt.Errorf("nats publish %s: %w", Subject(change.TenantID), err)
	}
	return nil
}

// Close drains the NATS connection.
func (p *JetStream) Close() error {
	return p.nc.Drain()
}

func messageID(change billing.StatusChange) string {
	return fmt.Sprintf("%s:%s:%s:%d", change.TenantID, change.Previous, change.Current, change.OccurredAt.UnixNano())
}
