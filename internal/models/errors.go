// Package models defines the data structures shared by the broker engine:
// messages, topics, subscriptions, schemas, snapshots, and the closed
// error taxonomy the engine reports failures through.
package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of failure kinds the engine raises,
// aligned with the production service this engine emulates.
type ErrorKind string

const (
	// InvalidArgument covers malformed names, bad options, oversize
	// messages, attribute-bound violations, unparseable filters, and
	// schema-validation failures. Not recoverable; it indicates a
	// caller bug.
	InvalidArgument ErrorKind = "InvalidArgument"

	// NotFound is raised when a referenced topic, subscription, schema,
	// or snapshot does not exist. Conditionally recoverable: callers
	// using autoCreate on topic get may recover (subscription get has
	// no autoCreate recovery).
	NotFound ErrorKind = "NotFound"

	// AlreadyExists is raised by create operations on an existing name.
	AlreadyExists ErrorKind = "AlreadyExists"

	// FailedPrecondition is raised by seek while leases are outstanding,
	// and by modack-after-ack in exactly-once-delivery mode.
	FailedPrecondition ErrorKind = "FailedPrecondition"

	// PermissionDenied is reserved for engine-emulated IAM denial; the
	// in-process engine never evaluates IAM itself.
	PermissionDenied ErrorKind = "PermissionDenied"

	// ResourceExhausted is raised when flow-control admission hits a
	// hard limit. Recoverable by retrying after backoff.
	ResourceExhausted ErrorKind = "ResourceExhausted"

	// Cancelled is raised when the caller's cancellation signal fires.
	Cancelled ErrorKind = "Cancelled"

	// DeadlineExceeded is raised when a caller-supplied timeout expires.
	DeadlineExceeded ErrorKind = "DeadlineExceeded"

	// Unavailable is reserved for API parity; the in-process engine
	// never emits it.
	Unavailable ErrorKind = "Unavailable"

	// Unimplemented is raised by AVRO/protobuf message-body validation.
	Unimplemented ErrorKind = "Unimplemented"

	// Internal indicates an invariant violation (a bug in the engine).
	Internal ErrorKind = "Internal"

	// Unknown is the fallback kind.
	Unknown ErrorKind = "Unknown"
)

// Error is the error type every engine operation returns on failure. It
// carries a Kind from the closed taxonomy above plus a human-readable
// message; the engine never recovers silently; every failure path
// surfaces one of these to the caller.
type Error struct {
	Kind    ErrorKind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is reports whether target is an *Error with the same Kind, so callers
// can do errors.Is(err, &models.Error{Kind: models.NotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds an *Error with the given kind and formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that carries an underlying cause.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// KindOf extracts the ErrorKind from err, or Unknown if err is not (or
// does not wrap) an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// AckResult is the distinct, non-exception return value for ack/nack/
// modack calls in exactly-once-delivery mode (spec.md section 7).
type AckResult string

const (
	AckSuccess            AckResult = "Success"
	AckInvalid            AckResult = "Invalid"
	AckFailedPrecondition AckResult = "FailedPrecondition"
	AckPermissionDenied   AckResult = "PermissionDenied"
	AckOther              AckResult = "Other"
)
