package psp

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the call outcome is unknown: the processor may or may
	// not have acted. Safe to retry with the same idempotency key; never
	// commit ledger state on it.
	ErrTimeout = errors.New("psp: call outcome unknown")

	// ErrAPIError is a deterministic rejection by the processor. Recorded,
	// surfaced, never retried automatically.
	ErrAPIError = errors.New("psp: request rejected")

	ErrMissingIdempotencyKey  = errors.New("psp: idempotency key required")
	ErrInvalidAmount          = errors.New("psp: amount must be positive integer cents")
	ErrMissingDestination     = errors.New("psp: transfer destination required")
	ErrIdempotencyKeyMismatch = errors.New("psp: idempotency key already used for a different call type")
)

// APIError carries the processor's stable code alongside ErrAPIError.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("psp: request rejected: code=%s %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrAPIError
}

// IsRetryable reports whether a failed call may be replayed with the same
// idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
