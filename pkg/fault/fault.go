package fault

import (
	"errors"
	"fmt"
)

// Kind names an error category as it appears in the `type` field of a bus
// error reply.
type Kind string

const (
	Validation        Kind = "ValidationError"
	PermissionDenied  Kind = "PermissionDenied"
	TemplateNotFound  Kind = "TemplateNotFound"
	TemplateRender    Kind = "TemplateRenderError"
	ResourceExhausted Kind = "ResourceExhausted"
	LockTimeout       Kind = "LockTimeout"
	KVUnavailable     Kind = "KVUnavailable"
	Driver            Kind = "DriverError"
	NotFound          Kind = "NotFound"
	InvalidOperation  Kind = "InvalidOperation"

	// Internal is the fallback for errors that carry no kind. It should not
	// appear in normal operation.
	Internal Kind = "InternalError"
)

// Error is a kinded error. The kind is what callers dispatch on; the message
// is what reaches the bus reply.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a kinded error wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// MessageOf extracts the user-facing message of err. Unkinded errors expose
// their full Error() string.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// Ensure returns err unchanged when it already carries a kind, otherwise
// wraps it with kind.
func Ensure(err error, kind Kind) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
