package paypal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"clinic-billing-service/internal/domain/webhook"
	"clinic-billing-service/internal/pkg/breaker"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	t          *testing.T
	tokenCalls atomic.Int32
	mux        *http.ServeMux
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{t: t, mux: http.NewServeMux()}
	p.mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
	return p
}

func (p *fakeProvider) handle(pattern string, fn http.HandlerFunc) {
	p.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(p.t, "Bearer tok-1", r.Header.Get("Authorization"))
		fn(w, r)
	})
}

func newTestClient(t *testing.T, p *fakeProvider, clientSecret string) (*Client, *breaker.Breaker) {
	srv := httptest.NewServer(p.mux)
	t.Cleanup(srv.Close)

	br := breaker.New("paypal", breaker.DefaultConfig())
	tokens := NewTokenCache(ClientCredentials(srv.URL, "client", clientSecret, srv.Client()))
	c := NewClient(Config{BaseURL: srv.URL, CallTimeout: 2 * time.Second}, srv.Client(), tokens, br, zap.NewNop())
	return c, br
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestCreateSubscriptionReturnsApprovalLink(t *testing.T) {
	p := newFakeProvider(t)
	p.handle("/v1/billing/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("PayPal-Request-Id"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "P-BASIC-MONTHLY", body["plan_id"])
		assert.Equal(t, "tenant_t1", body["custom_id"])

		writeJSON(w, http.StatusCreated, `{"id":"I-1","status":"APPROVAL_PENDING","links":[
			{"href":"https://paypal.example/approve/I-1","rel":"approve"},
			{"href":"https://api.example/v1/billing/subscriptions/I-1","rel":"self"}]}`)
	})
	c, br := newTestClient(t, p, "secret")

	url, err := c.CreateSubscription(context.Background(), "P-BASIC-MONTHLY", "tenant_t1", "https://r", "https://c")
	require.NoError(t, err)
	assert.Equal(t, "https://paypal.example/approve/I-1", url)
	assert.Equal(t, breaker.StateClosed, br.State())
}

func TestServerErrorIsRetryableBreakerFailure(t *testing.T) {
	p := newFakeProvider(t)
	p.handle("/v1/billing/subscriptions/I-1/revise", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"name":"INTERNAL_SERVER_ERROR","message":"An internal server error occurred."}`)
	})
	c, br := newTestClient(t, p, "secret")

	_, err := c.RevisePlan(context.Background(), "I-1", "P-PRO-MONTHLY", "", "")

	var pe *xerrors.ProviderAPIError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 500, pe.StatusCode)
	assert.Equal(t, "revise_plan", pe.Operation)
	assert.True(t, pe.Retryable())
	assert.Equal(t, 1, br.Snapshot().FailureCount)
}

func TestClientErrorIsNotRetryable(t *testing.T) {
	p := newFakeProvider(t)
	p.handle("/v1/billing/subscriptions/I-1/suspend", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"SUBSCRIPTION_STATUS_INVALID"}]}`)
	})
	c, br := newTestClient(t, p, "secret")

	err := c.Suspend(context.Background(), "I-1", "closing")

	var pe *xerrors.ProviderAPIError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Retryable())
	assert.Contains(t, pe.Message, "SUBSCRIPTION_STATUS_INVALID")
	assert.Equal(t, 0, br.Snapshot().FailureCount)
}

func TestOpenBreakerRejectsWithoutCalling(t *testing.T) {
	p := newFakeProvider(t)
	var calls atomic.Int32
	p.handle("/v1/billing/subscriptions/I-1/suspend", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c, br := newTestClient(t, p, "secret")

	for i := 0; i < 5; i++ {
		_ = c.Suspend(context.Background(), "I-1", "")
	}
	require.Equal(t, breaker.StateOpen, br.State())

	err := c.Suspend(context.Background(), "I-1", "")
	assert.ErrorIs(t, err, xerrors.ErrProviderUnavailable)
	assert.Equal(t, int32(5), calls.Load())
}

func TestReactivateRefusesCancelledSubscription(t *testing.T) {
	p := newFakeProvider(t)
	var activated atomic.Bool
	p.handle("/v1/billing/subscriptions/I-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"I-1","status":"CANCELLED","plan_id":"P-PRO-MONTHLY"}`)
	})
	p.handle("/v1/billing/subscriptions/I-1/activate", func(w http.ResponseWriter, r *http.Request) {
		activated.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, p, "secret")

	err := c.Reactivate(context.Background(), "I-1", "resume")

	var invalid *xerrors.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"SUSPENDED"}, invalid.Allowed)
	assert.False(t, activated.Load())
}

func TestReactivateSuspendedSubscription(t *testing.T) {
	p := newFakeProvider(t)
	p.handle("/v1/billing/subscriptions/I-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"I-1","status":"SUSPENDED"}`)
	})
	p.handle("/v1/billing/subscriptions/I-1/activate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, p, "secret")

	require.NoError(t, c.Reactivate(context.Background(), "I-1", "resume"))
}

func TestVerifySubscriptionSnapshot(t *testing.T) {
	p := newFakeProvider(t)
	p.handle("/v1/billing/subscriptions/I-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"I-1","status":"ACTIVE","plan_id":"P-PRO-MONTHLY","custom_id":"tenant_t1",
			"billing_info":{"next_billing_time":"2026-11-15T10:00:00Z",
			"last_payment":{"amount":{"currency_code":"USD","value":"99.00"},"time":"2026-10-15T10:00:00Z"}}}`)
	})
	c, _ := newTestClient(t, p, "secret")

	snap, err := c.VerifySubscription(context.Background(), "I-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", snap.Status)
	assert.Equal(t, "P-PRO-MONTHLY", snap.PlanID)
	assert.Equal(t, "tenant_t1", snap.CustomID)
	assert.Equal(t, "99.00", snap.LastPaymentAmount)
	require.NotNil(t, snap.NextBillingTime)
}

func TestLocalPacingDoesNotTripBreaker(t *testing.T) {
	p := newFakeProvider(t)
	var hits atomic.Int32
	p.handle("/v1/billing/subscriptions/I-1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, `{"id":"I-1","status":"ACTIVE"}`)
	})
	srv := httptest.NewServer(p.mux)
	t.Cleanup(srv.Close)

	br := breaker.New("paypal", breaker.DefaultConfig())
	tokens := NewTokenCache(ClientCredentials(srv.URL, "client", "secret", srv.Client()))
	c := NewClient(Config{BaseURL: srv.URL, CallTimeout: 2 * time.Second, RateLimit: 0.001}, srv.Client(), tokens, br, zap.NewNop())

	_, err := c.VerifySubscription(context.Background(), "I-1")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err = c.VerifySubscription(context.Background(), "I-1")
		require.ErrorIs(t, err, xerrors.ErrRateLimited)
		assert.False(t, xerrors.IsRetryable(err))
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, breaker.StateClosed, br.State())
	assert.Equal(t, 0, br.Snapshot().FailureCount)
}

func TestTruncateReasonKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "closing", truncateReason("closing"))

	reason := strings.Repeat("a", 127) + "é" + "tail"
	got := truncateReason(reason)
	assert.Equal(t, strings.Repeat("a", 127), got)
	assert.True(t, utf8.ValidString(got))

	assert.Len(t, truncateReason(strings.Repeat("b", 300)), 128)
}

func TestTokenIsReusedAcrossCalls(t *testing.T) {
	p := newFakeProvider(t)
	p.handle("/v1/billing/subscriptions/I-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"I-1","status":"ACTIVE"}`)
	})
	c, _ := newTestClient(t, p, "secret")

	for i := 0; i < 3; i++ {
		_, err := c.VerifySubscription(context.Background(), "I-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), p.tokenCalls.Load())
}

func TestRejectedCredentialsAreConfigurationErrors(t *testing.T) {
	p := newFakeProvider(t)
	c, br := newTestClient(t, p, "wrong")

	_, err := c.VerifySubscription(context.Background(), "I-1")

	var cfgErr *xerrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 0, br.Snapshot().FailureCount)
}

func TestVerifyWebhookSignature(t *testing.T) {
	headers := webhook.SignatureHeaders{
		TransmissionID: "tx-1", TransmissionTime: "2026-10-15T10:00:00Z",
		TransmissionSig: "sig", CertURL: "https://cert", AuthAlgo: "SHA256withRSA",
	}
	body := []byte(`{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{"id":"I-1"}}`)

	t.Run("success", func(t *testing.T) {
		p := newFakeProvider(t)
		p.handle("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
			var req map[string]json.RawMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.JSONEq(t, `"WH-CONFIG"`, string(req["webhook_id"]))
			assert.JSONEq(t, string(body), string(req["webhook_event"]))
			writeJSON(w, http.StatusOK, `{"verification_status":"SUCCESS"}`)
		})
		c, _ := newTestClient(t, p, "secret")

		ok, err := c.VerifyWebhookSignature(context.Background(), headers, body, "WH-CONFIG")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("failure status", func(t *testing.T) {
		p := newFakeProvider(t)
		p.handle("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"verification_status":"FAILURE"}`)
		})
		c, _ := newTestClient(t, p, "secret")

		ok, err := c.VerifyWebhookSignature(context.Background(), headers, body, "WH-CONFIG")
		assert.False(t, ok)
		assert.Error(t, err)
	})

	t.Run("provider error", func(t *testing.T) {
		p := newFakeProvider(t)
		p.handle("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		c, _ := newTestClient(t, p, "secret")

		ok, err := c.VerifyWebhookSignature(context.Background(), headers, body, "WH-CONFIG")
		assert.False(t, ok)
		assert.Error(t, err)
	})

	t.Run("incomplete headers", func(t *testing.T) {
		c, _ := newTestClient(t, newFakeProvider(t), "secret")
		partial := headers
		partial.TransmissionSig = ""

		ok, err := c.VerifyWebhookSignature(context.Background(), partial, body, "WH-CONFIG")
		assert.False(t, ok)
		assert.Error(t, err)
	})
}
