package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/keyscan"
)

// FailureKind classifies a failed provider call
type FailureKind string

const (
	FailureAuth          FailureKind = "auth_error"
	FailureRateLimited   FailureKind = "rate_limited"
	FailureTimeout       FailureKind = "timeout"
	FailureProviderError FailureKind = "provider_error"
	FailureUnsupported   FailureKind = "unsupported"
)

// Outcome maps the failure kind to a ledger outcome
func (k FailureKind) Outcome() models.Outcome {
	switch k {
	case FailureAuth:
		return models.OutcomeAuthError
	case FailureRateLimited:
		return models.OutcomeRateLimited
	case FailureTimeout:
		return models.OutcomeTimeout
	default:
		return models.OutcomeError
	}
}

// Failure is the error every adapter returns
type Failure struct {
	Provider   string
	Kind       FailureKind
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface
func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Provider, f.Kind)
	if f.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", f.StatusCode)
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	return msg
}

// Unwrap implements error unwrapping
func (f *Failure) Unwrap() error {
	return f.Cause
}

// NewFailure creates a failure
func NewFailure(provider string, kind FailureKind, statusCode int, message string, cause error) *Failure {
	return &Failure{
		Provider:   provider,
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// FromStatus classifies a non-2xx HTTP response. Credentials echoed in the
// provider's message are redacted.
func FromStatus(provider string, statusCode int, message string) *Failure {
	kind := FailureProviderError
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		kind = FailureAuth
	case statusCode == http.StatusTooManyRequests:
		kind = FailureRateLimited
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		kind = FailureTimeout
	}
	return NewFailure(provider, kind, statusCode, keyscan.Redact(message), nil)
}

// Classify turns a transport error into a Failure
func Classify(provider string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(provider, FailureTimeout, 0, "deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewFailure(provider, FailureTimeout, 0, "network timeout", err)
	}
	return NewFailure(provider, FailureProviderError, 0, "request failed", err)
}

// Unsupported is returned when an adapter is asked for a task it does not offer
func Unsupported(provider string, task models.TaskType) *Failure {
	return NewFailure(provider, FailureUnsupported, 0, fmt.Sprintf("task %q not supported", task), nil)
}

// AsFailure extracts a *Failure from err
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}
