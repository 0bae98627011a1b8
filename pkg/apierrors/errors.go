// Package apierrors defines the error taxonomy shared by every component of
// the promise execution subsystem: storage, locking, resilience, and the
// promise lifecycle itself all return errors built from this package so
// callers can discriminate on kind with errors.Is/errors.As rather than on
// string matching.
package apierrors

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies an error into one of the abstract taxonomy buckets the
// subsystem reasons about. It never changes meaning once assigned to a
// constant below.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindInvalidState
	KindConcurrencyConflict
	KindLockUnavailable
	KindMultipleMatches
	KindStorageError
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindInvalidState:
		return "InvalidState"
	case KindConcurrencyConflict:
		return "ConcurrencyConflict"
	case KindLockUnavailable:
		return "LockUnavailable"
	case KindMultipleMatches:
		return "MultipleMatches"
	case KindStorageError:
		return "StorageError"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Code is a stable, user-facing validation error code. Codes are never
// renamed once shipped since callers may match on them.
type Code string

const (
	CodePartitionKeyValueTooLong Code = "PartitionKey_ValueTooLong"
	CodePartitionKeyValueInvalid Code = "PartitionKey_ValueInvalid"
	CodeExternalIdValueNull      Code = "ExternalId_ValueNull"
	CodeExternalIdValueEmpty     Code = "ExternalId_ValueEmpty"
	CodeExternalIdValueTooLong   Code = "ExternalId_ValueTooLong"
	CodeExternalIdValueInvalid   Code = "ExternalId_ValueInvalid"
)

// Error is the concrete error type carried through the subsystem. Kind is
// always set; Code is only meaningful for KindValidation.
type Error struct {
	Kind Kind
	Code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, apierrors.ConcurrencyConflict("")) work against a
// sentinel built with the same Kind (and, for validation errors, Code).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Kind == t.Kind && e.Code == t.Code
	}
	return e.Kind == t.Kind
}

func newf(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Validation builds a user-facing validation error with a stable code.
func Validation(code Code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, msg: msg}
}

// InvalidState builds a programmer-error: API misuse that should never
// reach a well-behaved caller in production.
func InvalidState(msg string) *Error {
	return newf(KindInvalidState, msg)
}

// ConcurrencyConflict builds an etag-mismatch error.
func ConcurrencyConflict(msg string) *Error {
	return newf(KindConcurrencyConflict, msg)
}

// LockUnavailable builds a lock-acquisition-exhausted error.
func LockUnavailable(msg string) *Error {
	return newf(KindLockUnavailable, msg)
}

// MultipleMatches builds the Load()-found->1-row error.
func MultipleMatches(msg string) *Error {
	return newf(KindMultipleMatches, msg)
}

// StorageError wraps an underlying storage failure, stamping it with a
// stack trace via cockroachdb/errors so operators can locate the call site
// from a single log line.
func StorageError(msg string, cause error) *Error {
	return &Error{Kind: KindStorageError, msg: msg, err: errors.Wrap(cause, msg)}
}

// Canceled builds the cancellation-kind error.
func Canceled(msg string) *Error {
	return newf(KindCanceled, msg)
}

// Is reports whether err carries the given Kind, looking through wrapping.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// AsCode extracts the validation Code from err, if any.
func AsCode(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindValidation {
		return e.Code, true
	}
	return "", false
}
