//go:build !linux

package connmgr

import (
	"context"
	"errors"
	"io"
)

// ErrUnsupported is returned by every method on platforms without BlueZ.
var ErrUnsupported = errors.New("connmgr: BlueZ is only available on linux")

// New returns a manager whose methods all fail with ErrUnsupported.
func New(opts ...Option) Mgr {
	_ = buildOptions(opts)
	return unsupported{}
}

type unsupported struct{}

func (unsupported) StartServer(context.Context, ServerOptions) error { return ErrUnsupported }

func (unsupported) Accept(context.Context) (io.ReadWriteCloser, Device, error) {
	return nil, Device{}, ErrUnsupported
}

func (unsupported) ScanSPP(context.Context) ([]Device, error) { return nil, ErrUnsupported }

func (unsupported) Connect(context.Context, Device) (io.ReadWriteCloser, error) {
	return nil, ErrUnsupported
}

func (unsupported) Close() error { return nil }
