package govssoclient

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by SessionRegistry implementations. Neither is a
// failure condition by itself: callers decide policy with errors.Is.
var (
	// ErrSessionNotFound is returned by registry lookups for an unknown
	// session id. The back-channel logout handler treats it as
	// already-logged-out, the expiration filter as pass-through.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when an operation would mutate a session
	// that has already been expired. A racing token refresh loses to a
	// concurrent expire; the refresh filter must not resurrect the session.
	ErrSessionExpired = errors.New("session expired")
)

// ValidationError reports a token or claim that failed local validation:
// a malformed or stale logout token, a missing events claim, a subject
// mismatch after refresh. No state is mutated when one is returned.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// newValidationError builds a ValidationError with an optional cause.
func newValidationError(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

// UpstreamError reports a failed call to the identity provider: token
// endpoint unreachable, non-2xx response, timeout. It is always treated as
// a refresh failure, never as a request-fatal condition.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
