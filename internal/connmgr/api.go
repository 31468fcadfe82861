// Package connmgr opens RFCOMM Serial Port Profile connections through BlueZ over D-Bus.
//
// A manager registers an org.bluez.Profile1 object for the SPP UUID and hands
// the socket BlueZ passes to Profile1.NewConnection back to the caller as an
// owned, deadline-capable stream.
//
// Thread-safety: except for Close(), methods are not safe for concurrent use.
// Callers must serialize StartServer, Accept, ScanSPP, and Connect. Close is
// safe to call concurrently and is idempotent.
package connmgr

import (
	"context"
	"io"
	"log/slog"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the RFCOMM channel used by the server-side profile.
	DefaultRFCOMMChannel uint8 = 22

	// DefaultAdapter is the adapter used to build device paths from a MAC.
	DefaultAdapter = "hci0"
)

// Device is what discovery reports and what Connect needs.
//
// Path (the BlueZ Device1 object path) is required for Connect; the other fields
// are informational and may be empty.
type Device struct {
	Path  string
	MAC   string
	Name  string
	Alias string
}

// DisplayName returns the best human label for the device.
func (d Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	case d.MAC != "":
		return d.MAC
	}
	return d.Path
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required; it is advertised as the SDP service name.
	ServiceName string
}

// Option configures a manager.
type Option func(*options)

type options struct {
	channel uint8
	logger  *slog.Logger
}

// WithChannel overrides the server RFCOMM channel.
func WithChannel(ch uint8) Option {
	return func(o *options) {
		if ch != 0 {
			o.channel = ch
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{channel: DefaultRFCOMMChannel, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Mgr is a single-use, single-role SPP endpoint: either one StartServer/Accept
// or one Connect. Reconnecting means creating a new manager.
type Mgr interface {
	// StartServer registers the SPP profile with Role="server" on the configured
	// channel. It fails if called twice, after Connect, or after Close.
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept waits for one incoming connection. Connections arriving after the
	// first are rejected. The returned stream belongs to the caller.
	Accept(ctx context.Context) (io.ReadWriteCloser, Device, error)

	// ScanSPP runs discovery until ctx is done and returns the devices
	// advertising SPPUUID, sorted by Path.
	ScanSPP(ctx context.Context) ([]Device, error)

	// Connect registers a client profile, pairs if necessary (through an agent
	// registered elsewhere), asks BlueZ to connect the SPP profile and waits for
	// the socket. dev.Path must be set. The returned stream belongs to the caller.
	// Context errors are returned wrapped.
	Connect(ctx context.Context, dev Device) (io.ReadWriteCloser, error)

	// Close unregisters profiles and releases the bus. Idempotent.
	Close() error
}
