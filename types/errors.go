package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies coordinator errors for control flow and for the
// HTTP boundary. Internal components branch on kinds; the API layer maps
// them to status codes and the shared JSON error envelope.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindInvalidInput
	KindInvalidSignature
	KindDuplicate
	KindStateConflict
	KindStorageUnavailable
	KindBackPressure
	KindTimeout
	KindUnauthorized
	KindNotFound
	KindRateLimited
)

// String returns the canonical name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindDuplicate:
		return "Duplicate"
	case KindStateConflict:
		return "StateConflict"
	case KindStorageUnavailable:
		return "StorageUnavailable"
	case KindBackPressure:
		return "BackPressure"
	case KindTimeout:
		return "Timeout"
	case KindUnauthorized:
		return "Unauthorized"
	case KindNotFound:
		return "NotFound"
	case KindRateLimited:
		return "RateLimited"
	default:
		return "Internal"
	}
}

// Error is a classified coordinator error. Field names the offending input
// field for InvalidInput errors.
type Error struct {
	Kind  ErrorKind
	Field string
	Msg   string
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is matching against another *Error by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError builds a classified error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// FieldError builds an InvalidInput error naming the offending field.
func FieldError(field, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error without losing it.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain; unclassified errors are
// Internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
