package service

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error; the HTTP layer maps it to a status code
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindForbidden      Kind = "forbidden"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindExpired        Kind = "expired"
	KindValidation     Kind = "validation_error"
	KindNotImplemented Kind = "not_implemented"
)

// Error is a typed domain error with a human-readable message
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error { return newError(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error { return newError(KindConflict, format, args...) }
func Forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}
func QuotaExceeded(format string, args ...any) *Error {
	return newError(KindQuotaExceeded, format, args...)
}
func Expired(format string, args ...any) *Error { return newError(KindExpired, format, args...) }
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}
func NotImplemented(format string, args ...any) *Error {
	return newError(KindNotImplemented, format, args...)
}

// KindOf returns the kind of a domain error, or "" for anything else
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
