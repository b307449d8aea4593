package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func render(err error) (int, Response) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	FromError(c, err)

	var body Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func TestFromErrorStatusCodes(t *testing.T) {
	at := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"breaker open", fmt.Errorf("revise: %w", xerrors.ErrProviderUnavailable), http.StatusServiceUnavailable},
		{"queue full", xerrors.ErrQueueFull, http.StatusServiceUnavailable},
		{"provider 5xx", &xerrors.ProviderAPIError{Operation: "revise", StatusCode: 500}, http.StatusServiceUnavailable},
		{"provider timeout", &xerrors.ProviderAPIError{Operation: "revise", Message: "context deadline exceeded"}, http.StatusServiceUnavailable},
		{"provider throttled", &xerrors.ProviderAPIError{Operation: "revise", StatusCode: 429}, http.StatusServiceUnavailable},
		{"provider 4xx", &xerrors.ProviderAPIError{Operation: "revise", StatusCode: 422}, http.StatusBadGateway},
		{"configuration", &xerrors.ConfigurationError{Message: "no plan"}, http.StatusInternalServerError},
		{"conflict", &xerrors.ConflictError{Message: "x", PendingKind: "plan change", EffectiveDate: &at}, http.StatusConflict},
		{"invalid state", &xerrors.InvalidStateError{Operation: "resume", Current: "CANCELLED"}, http.StatusConflict},
		{"verification", &xerrors.WebhookVerificationError{EventID: "WH-1"}, http.StatusUnauthorized},
		{"not found", xerrors.NotFound("tenant", "t1"), http.StatusNotFound},
		{"invalid input", fmt.Errorf("tier: %w", xerrors.ErrInvalidInput), http.StatusBadRequest},
		{"forbidden", xerrors.ErrForbidden, http.StatusForbidden},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := render(tc.err)
			assert.Equal(t, tc.want, code)
			assert.False(t, body.Success)
		})
	}
}

func TestFromErrorHidesInternalDetail(t *testing.T) {
	_, body := render(&xerrors.ProviderAPIError{Operation: "revise", StatusCode: 500, Message: "secret upstream detail"})
	assert.Empty(t, body.Error)

	_, body = render(errors.New("pq: connection refused"))
	assert.Empty(t, body.Error)
}

func TestProviderOutageIsDistinctFromRejection(t *testing.T) {
	code, body := render(fmt.Errorf("upgrade: %w", &xerrors.ProviderAPIError{Operation: "revise_plan", StatusCode: 503, Message: "upstream"}))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "billing service temporarily unavailable, try again shortly", body.Message)
	assert.Empty(t, body.Error)

	code, body = render(&xerrors.ProviderAPIError{Operation: "revise_plan", StatusCode: 422, Message: "PLAN_ID_INVALID"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "billing provider rejected the request", body.Message)
	assert.Empty(t, body.Error)
}

func TestConflictCarriesPendingChange(t *testing.T) {
	at := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	_, body := render(&xerrors.ConflictError{Message: "cannot upgrade", PendingKind: "plan change", PendingTarget: "BASIC", EffectiveDate: &at})

	data, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BASIC", data["pending_target"])
	assert.Equal(t, "2026-11-01T00:00:00Z", data["effective_date"])
}
