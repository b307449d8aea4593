// internal/gateway/paypal/client.go
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clinic-billing-service/internal/metrics"
	"clinic-billing-service/internal/pkg/breaker"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

var tracer = otel.Tracer("clinic-billing-service/paypal")

type Config struct {
	BaseURL     string
	CallTimeout time.Duration
	RateLimit   float64 // requests per second, 0 disables pacing
}

// Client is the provider gateway. Every call passes the circuit breaker first
// and reports its outcome back to it.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenCache
	breaker *breaker.Breaker
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPClient is the instrumented transport shared by the client and its token fetcher.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func NewClient(cfg Config, httpClient *http.Client, tokens *TokenCache, br *breaker.Breaker, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		breaker: br,
		limiter: limiter,
		timeout: cfg.CallTimeout,
		logger:  logger,
	}
}

// Breaker exposes the breaker for operator endpoints.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// call performs one provider request with breaker accounting. Transport errors,
// timeouts, 429 and 5xx are breaker failures; any other answer proves the
// provider is alive and counts as a success even when it is an error.
func (c *Client) call(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	ctx, span := tracer.Start(ctx, "paypal."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("paypal.operation", op),
	))
	defer span.End()

	if err := c.breaker.CheckState(); err != nil {
		metrics.ObserveProvider(op, "rejected", 0)
		span.SetStatus(codes.Error, "circuit open")
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// local pacing is not a breaker event
	if err := c.limiter.Wait(ctx); err != nil {
		metrics.ObserveProvider(op, "throttled", 0)
		span.SetStatus(codes.Error, "local rate limit")
		return 0, fmt.Errorf("paypal %s: %w: %v", op, xerrors.ErrRateLimited, err)
	}

	start := time.Now()
	status, err := c.roundTrip(ctx, op, method, path, in, out)
	metrics.ObserveProvider(op, metrics.StatusClass(status), time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", status))

	var pe *xerrors.ProviderAPIError
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case errors.As(err, &pe) && !pe.Retryable():
		c.breaker.RecordSuccess()
		span.SetStatus(codes.Error, err.Error())
	default:
		var cfgErr *xerrors.ConfigurationError
		if errors.As(err, &cfgErr) {
			c.breaker.RecordSuccess()
		} else {
			c.breaker.RecordFailure()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return status, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return tokenFailure(op, err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("PayPal-Request-Id", uuid.NewString())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &xerrors.ProviderAPIError{Operation: op, Message: transportMessage(ctx, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, &xerrors.ProviderAPIError{Operation: op, Message: transportMessage(ctx, err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("provider request failed",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.String("debug_id", resp.Header.Get("Paypal-Debug-Id")))
		return resp.StatusCode, &xerrors.ProviderAPIError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw, resp.Status),
		}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &xerrors.ProviderAPIError{
				Operation:  op,
				StatusCode: resp.StatusCode,
				Message:    "unreadable response: " + err.Error(),
			}
		}
	}
	return resp.StatusCode, nil
}

// tokenFailure classifies an OAuth failure. Rejected credentials are a
// configuration problem; anything else is the provider failing.
func tokenFailure(op string, err error) (int, error) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusUnauthorized || code == http.StatusBadRequest {
			return code, &xerrors.ConfigurationError{Message: "provider rejected the client credentials"}
		}
		return code, &xerrors.ProviderAPIError{Operation: op, StatusCode: code, Message: "oauth token request failed"}
	}
	return 0, &xerrors.ProviderAPIError{Operation: op, Message: "oauth token request failed: " + err.Error()}
}

func transportMessage(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timed out"
	}
	return err.Error()
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func errorMessage(raw []byte, fallback string) string {
	var e apiError
	if err := json.Unmarshal(raw, &e); err != nil || (e.Name == "" && e.Message == "") {
		return fallback
	}
	msg := e.Name
	if e.Message != "" {
		msg = strings.TrimSpace(msg + " " + e.Message)
	}
	if len(e.Details) > 0 && e.Details[0].Issue != "" {
		msg += " (" + e.Details[0].Issue + ")"
	}
	return msg
}
