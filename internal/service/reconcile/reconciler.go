// internal/service/reconcile/reconciler.go
package reconcile

import (
	"context"
	"errors"
	"time"

	"clinic-billing-service/internal/domain/billing"
	"clinic-billing-service/internal/metrics"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Source lists the subscriptions that need attention.
type Source interface {
	ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error)
	ListLinked(ctx context.Context, limit int) ([]*billing.Subscription, error)
}

// Executor is the orchestrator.
type Executor interface {
	ExecuteScheduledCancellation(ctx context.Context, tenantID string) (*billing.Subscription, error)
	SyncFromProvider(ctx context.Context, tenantID string) (*billing.Subscription, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// RatePerSecond paces provider-bound work
	RatePerSecond float64
}

// Report counts one pass.
type Report struct {
	Cancelled int `json:"cancelled"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// Reconciler executes due cancellations and resyncs live subscriptions, so a
// missed webhook or a provider outage is eventually repaired.
type Reconciler struct {
	cfg      Config
	source   Source
	executor Executor
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *zap.Logger
}

func New(cfg Config, source Source, executor Executor, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 200
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Reconciler{
		cfg:      cfg,
		source:   source,
		executor: executor,
		limiter:  limiter,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("reconcile"),
	}
}

// Run reconciles once immediately and then on every tick until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	due, err := r.source.ListDueCancellations(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	for _, sub := range due {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		if _, err := r.executor.ExecuteScheduledCancellation(ctx, sub.TenantID); err != nil {
			report.Failed++
			r.record("cancel", sub.TenantID, err)
			if errors.Is(err, xerrors.ErrProviderUnavailable) {
				return report, nil
			}
			continue
		}
		report.Cancelled++
		metrics.ReconcileRunsTotal.WithLabelValues("cancel", "ok").Inc()
	}

	linked, err := r.source.ListLinked(ctx, r.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	for _, sub := range linked {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		if _, err := r.executor.SyncFromProvider(ctx, sub.TenantID); err != nil {
			report.Failed++
			r.record("sync", sub.TenantID, err)
			if errors.Is(err, xerrors.ErrProviderUnavailable) {
				// the breaker is open; the next tick tries again
				break
			}
			continue
		}
		report.Synced++
		metrics.ReconcileRunsTotal.WithLabelValues("sync", "ok").Inc()
	}

	r.logger.Info("reconcile pass finished",
		zap.Int("cancelled", report.Cancelled),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (r *Reconciler) record(task, tenantID string, err error) {
	metrics.ReconcileRunsTotal.WithLabelValues(task, "error").Inc()
	r.logger.Warn("reconcile item failed",
		zap.String("task", task),
		zap.String("tenant_id", tenantID),
		zap.Error(err))
}
