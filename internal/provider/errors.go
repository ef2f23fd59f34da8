package provider

import (
	"errors"
	"fmt"
)

// Error is a provider-level failure. Transient marks failures worth
// retrying (timeouts, 5xx, rate limits); everything else (auth, bad
// request) fails fast.
type Error struct {
	Status    int    // HTTP status, 0 for transport-level failures
	Message   string // short description for logs and user-facing notices
	Transient bool
	Err       error // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("provider: %s", e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider error marked transient.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}
