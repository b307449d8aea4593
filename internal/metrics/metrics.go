package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orchestrator
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_operations_total",
			Help: "Subscription operations by name and outcome",
		},
		[]string{"operation", "outcome"}, // ok, noop, conflict, invalid_state, provider_error, unavailable, error
	)

	TenantStatusChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_tenant_status_changes_total",
			Help: "Tenant billing status transitions by target status",
		},
		[]string{"to"},
	)

	// Provider
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_provider_requests_total",
			Help: "Provider API requests by operation and status class",
		},
		[]string{"operation", "status"}, // 2xx, 4xx, 5xx, transport, rejected
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_provider_request_duration_seconds",
			Help:    "Provider API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// Webhooks
	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhooks_received_total",
			Help: "Webhook deliveries by event type and intake result",
		},
		[]string{"event_type", "result"}, // queued, duplicate, rejected, queue_full
	)

	WebhookVerificationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_webhook_verification_failures_total",
			Help: "Webhook deliveries rejected by signature verification",
		},
	)

	WebhookProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhooks_processed_total",
			Help: "Webhook events applied by event type and outcome",
		},
		[]string{"event_type", "outcome"}, // applied, duplicate, failed
	)

	WebhookAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_attempts_total",
			Help: "Webhook processing attempts including retries",
		},
		[]string{"event_type"},
	)

	WebhookPermanentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_permanent_failures_total",
			Help: "Webhook events that exhausted retries",
		},
		[]string{"event_type"},
	)

	WebhookQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_webhook_queue_depth",
			Help: "Events waiting for a webhook worker",
		},
	)

	UnmatchedPaymentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_unmatched_payments_total",
			Help: "Payment events that matched no subscription",
		},
	)

	// Status cache
	StatusCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_status_cache_lookups_total",
			Help: "Billing status cache lookups by result",
		},
		[]string{"result"}, // hit, miss, error, raced
	)

	// Reconciler
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_items_total",
			Help: "Subscriptions visited by the reconciler by task and outcome",
		},
		[]string{"task", "outcome"},
	)
)

// ObserveProvider records one provider request.
func ObserveProvider(operation, status string, elapsed time.Duration) {
	ProviderRequestsTotal.WithLabelValues(operation, status).Inc()
	ProviderRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// StatusClass buckets an HTTP status code for labels.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "transport"
	case code < 300:
		return "2xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
