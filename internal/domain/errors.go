// Package domain provides shared domain-level sentinel errors and the typed
// errors that wrap them. Callers match with errors.Is and errors.As.
package domain

import (
	"errors"
	"fmt"
)

// ErrValidation indicates malformed input, rejected before any state change.
var ErrValidation = errors.New("validation failed")

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation's precondition on current state was not met.
var ErrConflict = errors.New("conflict")

// ErrTenantLimitReached indicates the customer already owns the maximum number of tenants.
var ErrTenantLimitReached = errors.New("tenant limit reached")

// ErrTransport indicates a network or timeout failure talking to a remote dependency.
var ErrTransport = errors.New("transport failure")

// ErrBackend indicates the instance backend returned a non-success response.
var ErrBackend = errors.New("backend failure")

// ErrIntegrity indicates a backup artifact failed checksum verification.
var ErrIntegrity = errors.New("integrity check failed")

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports a rejected state transition together with the state
// the resource was actually in.
type ConflictError struct {
	Op      string
	Current string
	Reason  string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("conflict: %s not allowed in state %s", e.Op, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TenantLimitError reports the limit that blocked a tenant creation.
type TenantLimitError struct {
	Limit int
}

func (e *TenantLimitError) Error() string {
	return fmt.Sprintf("Tenant Limit Reached: customer has reached their limit of %d tenants", e.Limit)
}

func (e *TenantLimitError) Unwrap() error { return ErrTenantLimitReached }

// TransportError wraps a network-level failure. It is safe to retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// BackendError is a non-success application response from the instance backend.
type BackendError struct {
	Op         string
	StatusCode int
	Message    string
	Body       string
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("backend: %s: HTTP %d: %s", e.Op, e.StatusCode, msg)
}

func (e *BackendError) Unwrap() error { return ErrBackend }

// IntegrityError is a checksum mismatch on a downloaded artifact.
type IntegrityError struct {
	Key      string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s: checksum %s does not match recorded %s", e.Key, e.Actual, e.Expected)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// IsRetryable reports whether err is a transport failure that may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
