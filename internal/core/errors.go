package core

import (
	"errors"
	"fmt"
)

// Error codes exposed to clients.
const (
	ErrCodeValidation      = "validation_error"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeUnauthenticated = "unauthenticated"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeUnavailable     = "unavailable"
	ErrCodeResyncRequired  = "resync_required"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeInternal        = "internal_error"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")

	// ErrResyncRequired closes a subscription whose buffer overflowed.
	// The viewer must call ListSince before relying on push again.
	ErrResyncRequired = errors.New("resync required")

	// ErrSubscriptionClosed is returned by Next after Unsubscribe or replacement.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrHubClosed ends every subscription when the hub stops. Resubscribing cannot succeed.
	ErrHubClosed = fmt.Errorf("%w: hub closed", ErrUnavailable)
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

// CodeOf maps an error chain onto a stable client-facing code.
func CodeOf(err error) string {
	var ce *CoreError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, ErrValidation):
		return ErrCodeValidation
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, ErrUnauthenticated):
		return ErrCodeUnauthenticated
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, ErrResyncRequired):
		return ErrCodeResyncRequired
	case errors.Is(err, ErrUnavailable):
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}

// Terminal reports whether err should be surfaced to the user as-is rather than retried.
func Terminal(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound)
}
