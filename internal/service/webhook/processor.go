// internal/service/webhook/processor.go
package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinic-billing-service/internal/cache"
	"clinic-billing-service/internal/domain/audit"
	"clinic-billing-service/internal/domain/webhook"
	"clinic-billing-service/internal/metrics"
	xerrors "clinic-billing-service/internal/pkg/errors"
	"clinic-billing-service/internal/pkg/retry"
	"clinic-billing-service/internal/service/subscription"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const claimPrefix = "webhook:inflight:"

// Verifier checks a delivery's signature with the provider.
type Verifier interface {
	VerifyWebhookSignature(ctx context.Context, headers webhook.SignatureHeaders, rawBody []byte, webhookID string) (bool, error)
}

// Applier applies a verified event to subscription state.
type Applier interface {
	ApplyProviderEvent(ctx context.Context, evt *webhook.Event) (subscription.EventOutcome, error)
}

type Config struct {
	WebhookID   string
	Workers     int
	QueueSize   int
	InflightTTL time.Duration
	// DrainTimeout bounds how long queued events are still applied after Run's
	// context is cancelled. Whatever is left then is alerted and audited.
	DrainTimeout time.Duration
	Policy       retry.Policy
}

var errShutdown = errors.New("webhook processor stopped before the event was applied")

type Option func(*Processor)

// WithSleeper replaces the backoff wait.
func WithSleeper(s retry.Sleeper) Option {
	return func(p *Processor) { p.sleep = s }
}

// Processor verifies provider deliveries, acknowledges them at once and applies
// them on a bounded worker pool with retry.
type Processor struct {
	cfg      Config
	verifier Verifier
	applier  Applier
	claims   cache.Claimer
	ledger   audit.Ledger
	queue    chan *webhook.Event
	sleep    retry.Sleeper
	now      func() time.Time

	// mu guards closed against sends on queue
	mu     sync.RWMutex
	closed bool

	logger   *zap.Logger
	security *zap.Logger
	alerts   *zap.Logger
}

// Receipt describes what happened to an accepted delivery.
type Receipt struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
}

func NewProcessor(cfg Config, verifier Verifier, applier Applier, claims cache.Claimer, ledger audit.Ledger, logger *zap.Logger, opts ...Option) *Processor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 100
	}
	if cfg.InflightTTL <= 0 {
		cfg.InflightTTL = 10 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy = retry.DefaultPolicy()
	}
	p := &Processor{
		cfg:      cfg,
		verifier: verifier,
		applier:  applier,
		claims:   claims,
		ledger:   ledger,
		queue:    make(chan *webhook.Event, cfg.QueueSize),
		sleep:    retry.Sleep,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
		security: logger.Named("security"),
		alerts:   logger.Named("alerts"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Receive parses, verifies and enqueues a delivery. It never waits for the
// event to be applied. A redelivery of an event still in flight is
// acknowledged without being queued again.
func (p *Processor) Receive(ctx context.Context, headers webhook.SignatureHeaders, rawBody []byte) (*Receipt, error) {
	evt, err := webhook.Parse(rawBody)
	if err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues("unparsed", "rejected").Inc()
		return nil, err
	}

	ok, err := p.verifier.VerifyWebhookSignature(ctx, headers, rawBody, p.cfg.WebhookID)
	if !ok {
		reason := "signature rejected"
		if err != nil {
			reason = err.Error()
		}
		metrics.WebhookVerificationFailuresTotal.Inc()
		metrics.WebhooksReceivedTotal.WithLabelValues(evt.RawType, "rejected").Inc()
		p.security.Warn("webhook signature verification failed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.RawType),
			zap.String("transmission_id", headers.TransmissionID),
			zap.String("reason", reason))
		return nil, &xerrors.WebhookVerificationError{EventID: evt.ID, Reason: reason}
	}

	receipt := &Receipt{EventID: evt.ID, EventType: evt.RawType}
	claimed, err := p.claims.Claim(ctx, claimPrefix+evt.ID, p.cfg.InflightTTL)
	if err != nil {
		// the durable marker still dedupes
		p.logger.Warn("webhook in-flight claim unavailable", zap.String("event_id", evt.ID), zap.Error(err))
		claimed = true
	}
	if !claimed {
		metrics.WebhooksReceivedTotal.WithLabelValues(evt.RawType, "duplicate").Inc()
		p.logger.Info("webhook already in flight", zap.String("event_id", evt.ID))
		receipt.Duplicate = true
		return receipt, nil
	}

	if !p.enqueue(evt) {
		p.release(ctx, evt)
		metrics.WebhooksReceivedTotal.WithLabelValues(evt.RawType, "queue_full").Inc()
		p.logger.Warn("webhook not queued", zap.String("event_id", evt.ID), zap.Int("capacity", cap(p.queue)))
		return nil, xerrors.ErrQueueFull
	}
	metrics.WebhooksReceivedTotal.WithLabelValues(evt.RawType, "queued").Inc()
	metrics.WebhookQueueDepth.Set(float64(len(p.queue)))
	return receipt, nil
}

// enqueue is refused once the processor is draining, so nothing is
// acknowledged that no worker will pick up.
func (p *Processor) enqueue(evt *webhook.Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- evt:
		return true
	default:
		return false
	}
}

// Run starts the workers and blocks until ctx is cancelled and the queue is
// drained. Events already acknowledged are still applied for up to
// DrainTimeout. Stop accepting deliveries before cancelling ctx.
func (p *Processor) Run(ctx context.Context) error {
	// in-flight work outlives ctx until the drain deadline
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(p.cfg.DrainTimeout, cancelWork)
	})
	defer stop()

	var g errgroup.Group
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt := <-p.queue:
					metrics.WebhookQueueDepth.Set(float64(len(p.queue)))
					p.process(work, evt)
				}
			}
		})
	}
	p.logger.Info("webhook workers started", zap.Int("workers", p.cfg.Workers))
	err := g.Wait()

	p.drain(work)
	return err
}

// drain closes the queue to new deliveries and applies what is left. Events
// still queued once ctx is done go through the failure path.
func (p *Processor) drain(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.logger.Info("draining webhook queue", zap.Int("queued", len(p.queue)))
	for {
		select {
		case evt := <-p.queue:
			metrics.WebhookQueueDepth.Set(float64(len(p.queue)))
			if ctx.Err() != nil {
				p.recoverFailed(ctx, evt, 0, errShutdown)
				continue
			}
			p.process(ctx, evt)
		default:
			return
		}
	}
}

func (p *Processor) process(ctx context.Context, evt *webhook.Event) {
	log := p.logger.With(zap.String("event_id", evt.ID), zap.String("event_type", evt.RawType))

	var outcome subscription.EventOutcome
	attempts, err := retry.Do(ctx, p.cfg.Policy, p.sleep, func(ctx context.Context, attempt int) error {
		metrics.WebhookAttemptsTotal.WithLabelValues(evt.RawType).Inc()
		var err error
		outcome, err = p.applier.ApplyProviderEvent(ctx, evt)
		if err == nil {
			return nil
		}
		log.Warn("webhook attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if permanent(err) {
			return retry.Permanent(err)
		}
		return err
	})

	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
		metrics.WebhookProcessedTotal.WithLabelValues(evt.RawType, string(outcome)).Inc()
		log.Info("webhook applied", zap.String("outcome", string(outcome)), zap.Int("attempts", attempts))
	case errors.As(err, &exhausted):
		p.recoverFailed(ctx, evt, exhausted.Attempts, exhausted.Last)
	default:
		// drain deadline passed mid-retry
		p.recoverFailed(ctx, evt, attempts, fmt.Errorf("%w: %v", errShutdown, err))
	}
}

// recoverFailed reports an event that will not be applied and frees its claim
// so the provider's own redelivery gets another chance.
func (p *Processor) recoverFailed(ctx context.Context, evt *webhook.Event, attempts int, cause error) {
	ctx = context.WithoutCancel(ctx)
	metrics.WebhookProcessedTotal.WithLabelValues(evt.RawType, "failed").Inc()
	metrics.WebhookPermanentFailuresTotal.WithLabelValues(evt.RawType).Inc()

	tenantID, _ := evt.TenantID()
	p.alerts.Error("webhook processing failed permanently",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.RawType),
		zap.String("provider_subscription_id", evt.SubscriptionID()),
		zap.String("tenant_id", tenantID),
		zap.Int("attempts", attempts),
		zap.Bool("shutdown", errors.Is(cause, errShutdown)),
		zap.Error(cause))

	entry := audit.NewEntry(audit.ActionWebhookProcessingFailed, tenantID, audit.SystemOperator,
		fmt.Sprintf("webhook %s (%s) failed after %d attempts: %v", evt.ID, evt.RawType, attempts, cause),
		map[string]interface{}{
			"event_id":                 evt.ID,
			"event_type":               evt.RawType,
			"provider_subscription_id": evt.SubscriptionID(),
			"attempts":                 attempts,
		}, p.now())
	if err := p.ledger.Record(ctx, entry); err != nil {
		p.alerts.Error("failed to record webhook failure", zap.String("event_id", evt.ID), zap.Error(err))
	}
	p.release(ctx, evt)
}

func (p *Processor) release(ctx context.Context, evt *webhook.Event) {
	if err := p.claims.Release(context.WithoutCancel(ctx), claimPrefix+evt.ID); err != nil {
		p.logger.Warn("failed to release webhook claim", zap.String("event_id", evt.ID), zap.Error(err))
	}
}

// permanent reports errors a later attempt cannot fix.
func permanent(err error) bool {
	var (
		cfgErr   *xerrors.ConfigurationError
		invalid  *xerrors.InvalidStateError
		conflict *xerrors.ConflictError
	)
	return errors.As(err, &cfgErr) || errors.As(err, &invalid) || errors.As(err, &conflict) ||
		errors.Is(err, xerrors.ErrInvalidInput) || errors.Is(err, xerrors.ErrNotFound) ||
		errors.Is(err, xerrors.ErrForbidden)
}
