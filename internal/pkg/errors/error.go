package xerrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common reusable application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource already exists")
	ErrInternal       = errors.New("internal server error")
	ErrRateLimited    = errors.New("too many requests")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrProviderUnavailable is returned while the provider circuit is open.
	ErrProviderUnavailable = errors.New("billing service temporarily unavailable, try again shortly")

	// ErrQueueFull is returned when the webhook queue cannot take more work.
	ErrQueueFull = errors.New("webhook queue is full")
)

// ProviderAPIError is a failed call to the billing provider.
type ProviderAPIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *ProviderAPIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider %s failed: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("provider %s failed with status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// Retryable reports whether the failure was transient on the provider side:
// transport errors, timeouts, throttling and 5xx.
func (e *ProviderAPIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// ConfigurationError means a plan mapping or credential is missing. Not retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "billing configuration error: " + e.Message
}

// ConflictError means a plan change or cancellation is already pending.
type ConflictError struct {
	Message       string
	PendingKind   string
	PendingTarget string
	EffectiveDate *time.Time
}

func (e *ConflictError) Error() string {
	if e.PendingKind == "" {
		return e.Message
	}
	msg := fmt.Sprintf("%s: %s already pending", e.Message, e.PendingKind)
	if e.PendingTarget != "" {
		msg += " (target " + e.PendingTarget + ")"
	}
	if e.EffectiveDate != nil {
		msg += " effective " + e.EffectiveDate.UTC().Format(time.RFC3339)
	}
	return msg
}

// Unwrap lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidStateError is an operation attempted from a status that does not permit it.
type InvalidStateError struct {
	Operation string
	Current   string
	Allowed   []string
	Reason    string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("cannot %s subscription in status %s (allowed: %s)",
		e.Operation, e.Current, strings.Join(e.Allowed, ", "))
}

// WebhookVerificationError is a webhook whose signature could not be verified.
type WebhookVerificationError struct {
	EventID string
	Reason  string
}

func (e *WebhookVerificationError) Error() string {
	return fmt.Sprintf("webhook %s failed signature verification: %s", e.EventID, e.Reason)
}

// NotFound wraps ErrNotFound with the kind and key of the missing record.
func NotFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var pe *ProviderAPIError
	return errors.As(err, &pe) && pe.Retryable()
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As, re-exported so callers need only one errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}
