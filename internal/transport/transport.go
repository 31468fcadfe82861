// Package transport is the connection boundary of the exchange job.
//
// A Dialer produces a Conn; a Conn sends bytes and receives newline-terminated
// lines. Every blocking call takes a context and is bounded by a configurable
// timeout, and every failure is a *fault.Error so callers can tell a transport
// failure from a timeout or a cancellation.
package transport

import (
	"context"
	"time"
)

// Conn is an established connection to the peer.
type Conn interface {
	// Send writes p in full.
	Send(ctx context.Context, p []byte) error
	// ReceiveLine reads up to and including the next '\n' and returns the line
	// without its terminator ("\n" or "\r\n").
	ReceiveLine(ctx context.Context) (string, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Timeouts bounds blocking transport calls. Zero disables a bound; ctx still applies.
type Timeouts struct {
	Connect time.Duration
	IO      time.Duration
}

// DefaultTimeouts returns the timeouts used when configuration leaves them unset.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 30 * time.Second, IO: 15 * time.Second}
}

// Messages shown to the user when a step fails.
const (
	ConnectFailed = "Socket connection failed. Ensure that the server is up and try again."
	SendFailed    = "Message sending failed. Ensure that the server is up and try again."
	ReceiveFailed = "Failed to read server response. Ensure that the server is up and try again."
	ReplyTooLong  = "Server response was too long."
)
