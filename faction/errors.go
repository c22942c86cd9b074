package faction

import "errors"

// Business-rule rejection taxonomy. Every mutating operation fails with
// exactly one of these (possibly wrapped with detail); anything else is an
// internal error. Conflict and ReauthFailed are not retryable as-is.
var (
	ErrUnauthorized = errors.New("not authorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrRateLimited  = errors.New("cooldown")
	ErrReauthFailed = errors.New("wrong password")
)

// Reason returns the machine-readable reason string for a taxonomy error,
// or "internal" for anything outside it.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "not authorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrRateLimited):
		return "cooldown"
	case errors.Is(err, ErrReauthFailed):
		return "wrong password"
	default:
		return "internal"
	}
}
