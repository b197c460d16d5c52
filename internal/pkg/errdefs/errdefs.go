// Package errdefs defines the error kinds shared by the sync components.
//
// Errors are built by wrapping one of the sentinels below with fmt.Errorf("%w: ...")
// and classified with errors.Is.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures that the owner retries on its normal schedule:
	// timeouts, 5xx, rate limiting, dropped connections.
	ErrTransient = errors.New("transient failure")

	// ErrAuth marks an expired or rejected session.
	ErrAuth = errors.New("authentication failed")

	// ErrDataInconsistency marks a sample that contradicts known state and was discarded.
	ErrDataInconsistency = errors.New("data inconsistency")

	// ErrConfigInvalid marks a rejected configuration mutation. The previous value is kept.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrNotFound marks a lookup of an unknown tracker or key.
	ErrNotFound = errors.New("not found")
)

// Transient wraps a formatted message as ErrTransient.
func Transient(format string, args ...any) error {
	return wrap(ErrTransient, format, args...)
}

// Auth wraps a formatted message as ErrAuth.
func Auth(format string, args ...any) error {
	return wrap(ErrAuth, format, args...)
}

// Inconsistent wraps a formatted message as ErrDataInconsistency.
func Inconsistent(format string, args ...any) error {
	return wrap(ErrDataInconsistency, format, args...)
}

// ConfigInvalid wraps a formatted message as ErrConfigInvalid.
func ConfigInvalid(format string, args ...any) error {
	return wrap(ErrConfigInvalid, format, args...)
}

// NotFound wraps a formatted message as ErrNotFound.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func IsTransient(err error) bool         { return errors.Is(err, ErrTransient) }
func IsAuth(err error) bool              { return errors.Is(err, ErrAuth) }
func IsDataInconsistency(err error) bool { return errors.Is(err, ErrDataInconsistency) }
func IsConfigInvalid(err error) bool     { return errors.Is(err, ErrConfigInvalid) }
func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }

// IsRetryable reports whether err should be retried on the next schedule rather than surfaced.
func IsRetryable(err error) bool {
	return IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
