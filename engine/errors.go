package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind string

const (
	KindMissingField      Kind = "missing_field"
	KindTypeMismatch      Kind = "type_mismatch"
	KindUnknownModelType  Kind = "unknown_model_type"
	KindInvalidParams     Kind = "invalid_params"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindLabelOutOfRange   Kind = "label_out_of_range"
	KindMalformedInput    Kind = "malformed_input"
	KindNotFound          Kind = "not_found"
	KindInvalidArgument   Kind = "invalid_argument"
	KindInternal          Kind = "internal"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrMissingField      = &Error{Kind: KindMissingField}
	ErrTypeMismatch      = &Error{Kind: KindTypeMismatch}
	ErrUnknownModelType  = &Error{Kind: KindUnknownModelType}
	ErrInvalidParams     = &Error{Kind: KindInvalidParams}
	ErrDimensionMismatch = &Error{Kind: KindDimensionMismatch}
	ErrLabelOutOfRange   = &Error{Kind: KindLabelOutOfRange}
	ErrMalformedInput    = &Error{Kind: KindMalformedInput}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrInternal          = &Error{Kind: KindInternal}
)

// Error is the typed failure returned by every engine operation.
//
// The underlying cause (if any) can be accessed via errors.Unwrap.
type Error struct {
	Kind  Kind
	Field string
	Msg   string
	cause error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ClientError reports whether err was caused by the caller.
func ClientError(err error) bool {
	k := KindOf(err)
	return k != KindInternal && k != KindNotFound
}

func newError(kind Kind, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: cause}
}

func missingField(field string) *Error {
	return newError(KindMissingField, field, "field is required")
}

func typeMismatch(field, want string) *Error {
	return newError(KindTypeMismatch, field, "expected %s", want)
}
