// Package brokererr defines the error-kind taxonomy shared by every layer
// of Sluice. A Kind is attached to an error at the point it is first
// recognized so the transport can map it to a wire status without
// string-matching error messages.
package brokererr

import "errors"

// Kind classifies an error by propagation policy (see spec §7).
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	NotFound           Kind = "not_found"
	ResourceExhausted  Kind = "resource_exhausted"
	Internal           Kind = "internal"
	Unavailable        Kind = "unavailable"
	FailedPrecondition Kind = "failed_precondition"
	Cancelled          Kind = "cancelled"
)

// Error pairs a Kind with a human-readable reason. Reason must never
// contain payload bytes or attribute values.
type Error struct {
	kind   Kind
	reason string
	cause  error
}

func New(kind Kind, reason string) *Error {
	return &Error{kind: kind, reason: reason}
}

func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{kind: kind, reason: reason, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.reason + ": " + e.cause.Error()
	}
	return e.reason
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Error, and Internal otherwise — an unclassified error is always
// treated as the most conservative, non-retriable-by-default kind.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
