package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"clinic-billing-service/internal/domain/webhook"
	xerrors "clinic-billing-service/internal/pkg/errors"
	webhooksvc "clinic-billing-service/internal/service/webhook"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeReceiver struct {
	headers webhook.SignatureHeaders
	body    []byte
	err     error
}

func (f *fakeReceiver) Receive(ctx context.Context, headers webhook.SignatureHeaders, rawBody []byte) (*webhooksvc.Receipt, error) {
	f.headers = headers
	f.body = rawBody
	if f.err != nil {
		return nil, f.err
	}
	return &webhooksvc.Receipt{EventID: "WH-1", EventType: "BILLING.SUBSCRIPTION.ACTIVATED"}, nil
}

func post(recv *fakeReceiver, body []byte) *httptest.ResponseRecorder {
	r := gin.New()
	r.POST("/webhooks/paypal", NewWebhookHandler(recv).PayPal)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader(body))
	req.Header.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	req.Header.Set("PAYPAL-TRANSMISSION-TIME", "2026-10-15T09:00:00Z")
	req.Header.Set("PAYPAL-TRANSMISSION-SIG", "sig")
	req.Header.Set("PAYPAL-CERT-URL", "https://api.paypal.com/cert")
	req.Header.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDeliveryIsPassedThroughVerbatim(t *testing.T) {
	recv := &fakeReceiver{}
	body := []byte(`{"id":"WH-1", "event_type":"BILLING.SUBSCRIPTION.ACTIVATED"}`)

	w := post(recv, body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, recv.body)
	assert.Equal(t, webhook.SignatureHeaders{
		TransmissionID:   "tx-1",
		TransmissionTime: "2026-10-15T09:00:00Z",
		TransmissionSig:  "sig",
		CertURL:          "https://api.paypal.com/cert",
		AuthAlgo:         "SHA256withRSA",
	}, recv.headers)
	assert.Contains(t, w.Body.String(), `"event_id":"WH-1"`)
}

func TestBadSignatureIsUnauthorized(t *testing.T) {
	recv := &fakeReceiver{err: &xerrors.WebhookVerificationError{EventID: "WH-1", Reason: "FAILURE"}}

	w := post(recv, []byte(`{}`))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFullQueueAsksForRedelivery(t *testing.T) {
	recv := &fakeReceiver{err: xerrors.ErrQueueFull}

	w := post(recv, []byte(`{}`))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	recv := &fakeReceiver{}

	w := post(recv, bytes.Repeat([]byte("a"), maxBodyBytes+1))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Nil(t, recv.body)
}
