// Package apierror defines a typed error taxonomy shared by every HTTP
// handler and domain package, so callers can branch on Kind instead of
// matching against error strings.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for HTTP status mapping and caller branching.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindConflict      Kind = "conflict"
	KindValidation    Kind = "validation"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindGone          Kind = "gone"
	KindLocked        Kind = "locked"
	KindInternal      Kind = "internal"
)

// Error is a typed application error carrying a Kind, a caller-facing
// message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NotFound, Conflict, Validation, etc. are shorthand constructors for the
// kinds reached for most often by domain packages.
func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }
func AlreadyExists(format string, args ...any) *Error {
	return New(KindAlreadyExists, format, args...)
}
func Conflict(format string, args ...any) *Error   { return New(KindConflict, format, args...) }
func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }
func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}
func Forbidden(format string, args ...any) *Error { return New(KindForbidden, format, args...) }
func Gone(format string, args ...any) *Error      { return New(KindGone, format, args...) }
func Locked(format string, args ...any) *Error    { return New(KindLocked, format, args...) }
func Internal(cause error, format string, args ...any) *Error {
	return Wrap(KindInternal, cause, format, args...)
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindInternal otherwise.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// StatusCode maps a Kind to its HTTP status code.
func StatusCode(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindGone:
		return http.StatusGone
	case KindLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}
