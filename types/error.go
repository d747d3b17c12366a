package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the voice pipeline.
type ErrorCode string

// Provider call error codes
const (
	ErrValidationFailure ErrorCode = "VALIDATION_FAILURE" // bad input, never retried
	ErrProviderTransient ErrorCode = "PROVIDER_TRANSIENT" // timeout/5xx/connection reset
	ErrProviderPermanent ErrorCode = "PROVIDER_PERMANENT" // bad credentials/malformed request
	ErrRateLimited       ErrorCode = "RATE_LIMITED"       // local guard rejection, no network call made
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"       // guard rejection, provider cooling down
)

// Session error codes
const (
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND" // stale/unknown session id on continuation
	ErrSessionClosed   ErrorCode = "SESSION_CLOSED"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
)

// Error represents a structured error with code, message, and metadata.
// It is the tagged-variant form of the pipeline error taxonomy: orchestrator
// and observability decisions switch on Code, never on message text.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code == ErrProviderTransient}
}

// WrapError wraps a cause with a structured error.
func WrapError(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// WithProvider tags the error with the provider it originated from.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed.
// Returns an empty code for nil or unstructured errors.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether err is a transient provider failure that the
// adapter retry policy may re-attempt.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsGuardRejection reports whether err was produced by the resilience guard
// before any network call was made.
func IsGuardRejection(err error) bool {
	switch CodeOf(err) {
	case ErrRateLimited, ErrCircuitOpen, ErrValidationFailure:
		return true
	}
	return false
}
