package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"clinic-billing-service/internal/cache"
	"clinic-billing-service/internal/domain/audit"
	"clinic-billing-service/internal/domain/webhook"
	xerrors "clinic-billing-service/internal/pkg/errors"
	"clinic-billing-service/internal/repository/memstore"
	"clinic-billing-service/internal/service/subscription"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const activated = `{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{"id":"I-1","custom_id":"tenant_t1","status":"ACTIVE"}}`

var validHeaders = webhook.SignatureHeaders{
	TransmissionID: "tx", TransmissionTime: "2026-10-15T09:00:00Z",
	TransmissionSig: "sig", CertURL: "https://cert", AuthAlgo: "SHA256withRSA",
}

type stubVerifier struct {
	ok  bool
	err error
}

func (v stubVerifier) VerifyWebhookSignature(ctx context.Context, h webhook.SignatureHeaders, raw []byte, id string) (bool, error) {
	return v.ok, v.err
}

type scriptedApplier struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	applied chan string
}

func newApplier(errs ...error) *scriptedApplier {
	return &scriptedApplier{errs: errs, applied: make(chan string, 10)}
}

func (a *scriptedApplier) ApplyProviderEvent(ctx context.Context, evt *webhook.Event) (subscription.EventOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return "", err
		}
	}
	a.applied <- evt.ID
	return subscription.OutcomeApplied, nil
}

func (a *scriptedApplier) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func (s *recordingSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type harness struct {
	proc    *Processor
	applier *scriptedApplier
	ledger  *memstore.Store
	sleeper *recordingSleeper
	claims  *cache.Redis
	mr      *miniredis.Miniredis
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, verifier Verifier, applier *scriptedApplier, queueSize int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	core, logs := observer.New(zap.InfoLevel)
	h := &harness{
		applier: applier,
		ledger:  memstore.New(),
		sleeper: &recordingSleeper{},
		claims:  cache.NewRedis(client, ""),
		mr:      mr,
		logs:    logs,
	}
	h.proc = NewProcessor(Config{WebhookID: "WH-CONFIG", Workers: 2, QueueSize: queueSize},
		verifier, applier, h.claims, h.ledger, zap.New(core), WithSleeper(h.sleeper.Sleep))
	return h
}

func (h *harness) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestReceiveQueuesAndApplies(t *testing.T) {
	h := newHarness(t, stubVerifier{ok: true}, newApplier(), 10)
	h.start(t)

	receipt, err := h.proc.Receive(context.Background(), validHeaders, []byte(activated))
	require.NoError(t, err)
	assert.Equal(t, "WH-1", receipt.EventID)
	assert.False(t, receipt.Duplicate)

	select {
	case id := <-h.applier.applied:
		assert.Equal(t, "WH-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not applied")
	}
}

func TestInFlightRedeliveryIsAcknowledgedOnce(t *testing.T) {
	h := newHarness(t, stubVerifier{ok: true}, newApplier(), 10)

	first, err := h.proc.Receive(context.Background(), validHeaders, []byte(activated))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := h.proc.Receive(context.Background(), validHeaders, []byte(activated))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Len(t, h.proc.queue, 1)
}

func TestSignatureFailureIsSecurityEvent(t *testing.T) {
	h := newHarness(t, stubVerifier{ok: false, err: errors.New("provider returned verification status \"FAILURE\"")}, newApplier(), 10)

	_, err := h.proc.Receive(context.Background(), validHeaders, []byte(activated))

	var verr *xerrors.WebhookVerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "WH-1", verr.EventID)
	assert.Empty(t, h.proc.queue)
	assert.False(t, h.mr.Exists(claimPrefix+"WH-1"))

	entries := h.logs.FilterLoggerName("security").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "webhook signature verification failed", entries[0].Message)
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	h := newHarness(t, stubVerifier{ok: true}, newApplier(), 10)

	_, err := h.proc.Receive(context.Background(), validHeaders, []byte(`{"event_type":"X"}`))
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestFullQueueRefusesAndReleasesClaim(t *testing.T) {
	h := newHarness(t, stubVerifier{ok: true}, newApplier(), 1)

	_, err := h.proc.Receive(context.Background(), validHeaders, []byte(activated))
	require.NoError(t, err)

	second := `{"id":"WH-2","event_type":"BILLING.SUBSCRIPTION.UPDATED","resource":{"id":"I-1"}}`
	_, err = h.proc.Receive(context.Background(), validHeaders, []byte(second))
	assert.ErrorIs(t, err, xerrors.ErrQueueFull)
	assert.False(t, h.mr.Exists(claimPrefix+"WH-2"))
}

func TestTransientFailureIsRetriedWithBackoff(t *testing.T) {
	applier := newApplier(errors.New("connection reset"), &xerrors.ProviderAPIError{Operation: "verify_subscription", StatusCode: 503})
	h := newHarness(t, stubVerifier{ok: true}, applier, 10)

	evt, err := webhook.Parse([]byte(activated))
	require.NoError(t, err)
	h.proc.process(context.Background(), evt)

	assert.Equal(t, 3, applier.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.Waits())
	assert.Empty(t, h.ledger.AuditEntries(""))
}

func TestExhaustedRetriesRaiseAlertAndAudit(t *testing.T) {
	boom := errors.New("database unavailable")
	applier := newApplier(boom, boom, boom)
	h := newHarness(t, stubVerifier{ok: true}, applier, 10)

	_, err := h.proc.Receive(context.Background(), validHeaders, []byte(activated))
	require.NoError(t, err)
	evt := <-h.proc.queue
	h.proc.process(context.Background(), evt)

	assert.Equal(t, 3, applier.Calls())

	entries := h.ledger.AuditEntries("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionWebhookProcessingFailed, entries[0].Action)
	assert.Equal(t, "WH-1", entries[0].Metadata["event_id"])
	assert.Equal(t, 3, entries[0].Metadata["attempts"])

	alerts := h.logs.FilterLoggerName("alerts").All()
	require.Len(t, alerts, 1)
	assert.Equal(t, "webhook processing failed permanently", alerts[0].Message)

	assert.False(t, h.mr.Exists(claimPrefix+"WH-1"), "claim released for redelivery")
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	applier := newApplier(xerrors.NotFound("tenant for provider subscription", "I-1"))
	h := newHarness(t, stubVerifier{ok: true}, applier, 10)

	evt, err := webhook.Parse([]byte(activated))
	require.NoError(t, err)
	h.proc.process(context.Background(), evt)

	assert.Equal(t, 1, applier.Calls())
	assert.Empty(t, h.sleeper.Waits())
	assert.Len(t, h.ledger.AuditEntries(""), 1)
}

func TestClaimOutageStillQueues(t *testing.T) {
	h := newHarness(t, stubVerifier{ok: true}, newApplier(), 10)
	h.mr.SetError("LOADING")

	receipt, err := h.proc.Receive(context.Background(), validHeaders, []byte(activated))
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Len(t, h.proc.queue, 1)
}

func delivery(n int) []byte {
	return []byte(fmt.Sprintf(`{"id":"WH-%d","event_type":"BILLING.SUBSCRIPTION.UPDATED","resource":{"id":"I-1","custom_id":"tenant_t1"}}`, n))
}

func TestShutdownAppliesAcknowledgedEvents(t *testing.T) {
	h := newHarness(t, stubVerifier{ok: true}, newApplier(), 16)
	for i := 0; i < 10; i++ {
		receipt, err := h.proc.Receive(context.Background(), validHeaders, delivery(i))
		require.NoError(t, err)
		require.False(t, receipt.Duplicate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.proc.Run(ctx))

	assert.Equal(t, 10, h.applier.Calls())
	assert.Empty(t, h.proc.queue)
	assert.Empty(t, h.ledger.AuditEntries(""))
	assert.Empty(t, h.logs.FilterLoggerName("alerts").All())

	_, err := h.proc.Receive(context.Background(), validHeaders, delivery(11))
	assert.ErrorIs(t, err, xerrors.ErrQueueFull)
	assert.False(t, h.mr.Exists(claimPrefix+"WH-11"), "refused delivery stays redeliverable")
}

func TestDrainDeadlineAuditsLeftoverEvents(t *testing.T) {
	h := newHarness(t, stubVerifier{ok: true}, newApplier(), 16)
	for i := 0; i < 2; i++ {
		_, err := h.proc.Receive(context.Background(), validHeaders, delivery(i))
		require.NoError(t, err)
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	h.proc.drain(expired)

	assert.Zero(t, h.applier.Calls())
	entries := h.ledger.AuditEntries("t1")
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, audit.ActionWebhookProcessingFailed, e.Action)
	}
	assert.Len(t, h.logs.FilterLoggerName("alerts").All(), 2)
	assert.False(t, h.mr.Exists(claimPrefix+"WH-0"))
	assert.False(t, h.mr.Exists(claimPrefix+"WH-1"))
}
