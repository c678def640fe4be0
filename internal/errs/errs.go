// Package errs defines the typed error taxonomy shared across the store,
// recurrence, runner and HTTP surface. Callers branch on the Kind (via
// KindOf, the Is* helpers, or errors.Is against an *Error of the same
// Kind) rather than matching strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of error from the taxonomy.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindNotFound             Kind = "not_found"
	KindScheduleConfigInvalid Kind = "schedule_config_invalid"
	KindRemoteError          Kind = "remote_error"
	KindRemoteTimeout        Kind = "remote_timeout"
	KindRemoteRateLimited    Kind = "remote_rate_limited"
	KindRemoteUnavailable    Kind = "remote_unavailable"
	KindLocalTimeout         Kind = "local_timeout"
	KindPollTimeout          Kind = "poll_timeout"
	KindStoreError           Kind = "store_error"
	KindInterruptedByRestart Kind = "interrupted_by_restart"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target shares the same Kind, so callers can write
// errors.Is(err, errs.New(errs.KindNotFound, "")) or use the Is* helpers below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsScheduleConfigInvalid(err error) bool { return KindOf(err) == KindScheduleConfigInvalid }
func IsStoreError(err error) bool { return KindOf(err) == KindStoreError }
