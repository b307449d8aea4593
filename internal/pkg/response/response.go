// internal/pkg/response/response.go
package response

import (
	"errors"
	"net/http"

	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response defines the standard API response format.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Success sends a successful response with a message and optional data.
func Success(c *gin.Context, status int, message string, data interface{}) {
	if status == 0 {
		status = http.StatusOK
	}

	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error sends a standardized error response.
func Error(c *gin.Context, code int, message string, err error, data ...interface{}) {
	// Abort before writing so later handlers never run
	c.Abort()

	response := Response{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
	}

	if len(data) > 0 {
		response.Data = data[0]
	}

	c.JSON(code, response)
}

// FromError maps a service error onto its status code and envelope. Provider
// details and unexpected errors never leak to the caller.
func FromError(c *gin.Context, err error) {
	code, message, data := classify(err)
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusInternalServerError:
		Error(c, code, message, nil)
	default:
		Error(c, code, message, err, data...)
	}
}

func classify(err error) (int, string, []interface{}) {
	var (
		providerErr *xerrors.ProviderAPIError
		cfgErr      *xerrors.ConfigurationError
		conflict    *xerrors.ConflictError
		invalid     *xerrors.InvalidStateError
		verifyErr   *xerrors.WebhookVerificationError
	)
	switch {
	case xerrors.IsRetryable(err), errors.Is(err, xerrors.ErrQueueFull):
		return http.StatusServiceUnavailable, "billing service temporarily unavailable, try again shortly", nil
	case errors.As(err, &providerErr):
		// provider answered 4xx
		return http.StatusBadGateway, "billing provider rejected the request", nil
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "billing is misconfigured", nil
	case errors.As(err, &conflict):
		return http.StatusConflict, "a change is already pending", []interface{}{map[string]interface{}{
			"pending_kind":   conflict.PendingKind,
			"pending_target": conflict.PendingTarget,
			"effective_date": conflict.EffectiveDate,
		}}
	case errors.As(err, &invalid):
		return http.StatusConflict, "operation not allowed in the current state", []interface{}{map[string]interface{}{
			"current": invalid.Current,
			"allowed": invalid.Allowed,
		}}
	case errors.As(err, &verifyErr):
		return http.StatusUnauthorized, "webhook signature could not be verified", nil
	case errors.Is(err, xerrors.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", nil
	case errors.Is(err, xerrors.ErrNotFound):
		return http.StatusNotFound, "resource not found", nil
	case errors.Is(err, xerrors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid request", nil
	case errors.Is(err, xerrors.ErrForbidden):
		return http.StatusForbidden, "forbidden", nil
	case errors.Is(err, xerrors.ErrConflict), errors.Is(err, xerrors.ErrDuplicateEntry):
		return http.StatusConflict, "conflict", nil
	case errors.Is(err, xerrors.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests", nil
	}
	return http.StatusInternalServerError, "internal server error", nil
}

// ValidationError sends a 400 Bad Request response for invalid input.
func ValidationError(c *gin.Context, message string, err error) {
	Error(c, http.StatusBadRequest, message, err)
}

// Unauthorized sends a 401 Unauthorized response.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message, nil)
}

// Forbidden sends a 403 Forbidden response.
func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, message, nil)
}

// PaymentRequired sends a 402 for tenants without active billing.
func PaymentRequired(c *gin.Context, message string) {
	Error(c, http.StatusPaymentRequired, message, nil)
}
