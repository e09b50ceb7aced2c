package rpc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrKind classifies the failures this package produces.
type ErrKind int

const (
	// EncodeError means a message could not be framed, e.g. the payload
	// exceeds the maximum frame size.
	EncodeError ErrKind = iota + 1
	// DecodeError means an inbound frame was truncated or malformed.
	DecodeError
	// ConnectError means the transport connection could not be established.
	ConnectError
	// ConnectionClosed means the peer closed or the connection failed while
	// calls were still in flight.
	ConnectionClosed
	// Timeout means no matching response arrived within the call deadline.
	Timeout
	// HandlerError means the server-side handler failed; the failure is
	// carried back to the caller, the connection stays up.
	HandlerError
)

func (k ErrKind) String() string {
	switch k {
	case EncodeError:
		return "encode error"
	case DecodeError:
		return "decode error"
	case ConnectError:
		return "connect error"
	case ConnectionClosed:
		return "connection closed"
	case Timeout:
		return "timeout"
	case HandlerError:
		return "handler error"
	default:
		return fmt.Sprintf("error kind(%d)", int(k))
	}
}

// Error is the structured error returned by this package. It carries a
// kind for classification, a message, and an optional wrapped cause.
type Error struct {
	Kind    ErrKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Cause returns the wrapped cause for github.com/pkg/errors compatibility.
func (e *Error) Cause() error {
	return e.cause
}

// newError builds an *Error of the given kind.
func newError(kind ErrKind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrorKind extracts the kind from err, or zero if err does not carry one.
func ErrorKind(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
