// Package fault is the tagged error type shared by the transport, the exchange job
// and the attachable task runtime.
//
// An *Error carries a Kind for programmatic handling and a Detail string meant for
// display in the owner's log. The wrapped cause stays reachable through errors.Is/As.
package fault

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransport is a connection or I/O failure reported by the transport.
	KindTransport
	// KindTimeout is a transport operation that exceeded its configured deadline.
	KindTimeout
	// KindCancelled is cooperative cancellation observed by the running operation.
	KindCancelled
	// KindProtocol is a peer that answered with something the exchange cannot use.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Op     string // short operation name, e.g. "connect" or "send"
	Detail string // human-readable, shown to the user
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind without a cause.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap classifies err. If kind is KindUnknown the kind is inferred from err.
// Wrap returns nil when err is nil.
func Wrap(kind Kind, op, detail string, err error) error {
	if err == nil {
		return nil
	}
	if kind == KindUnknown {
		kind = KindOf(err)
		if kind == KindUnknown {
			kind = KindTransport
		}
	}
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// Errorf is shorthand for New with a formatted detail.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// KindOf reports the kind of err. Context and deadline errors are recognised even
// when they were never wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Detail returns the display text for err: the Detail of the outermost *Error if
// it has one, otherwise err.Error().
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Detail != "" {
		return fe.Detail
	}
	return err.Error()
}
