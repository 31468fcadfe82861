package transport

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/fault"
)

// BlueZDialer connects to an SPP server through BlueZ. Each Dial uses a fresh
// connmgr manager, which is closed together with the returned Conn.
type BlueZDialer struct {
	// Device is a BlueZ object path (/org/bluez/hci0/dev_...) or a MAC address.
	// With Scan set, an empty Device picks the first SPP device discovered.
	Device string
	// Adapter builds the object path from a MAC when Scan is off. Default hci0.
	Adapter     string
	Scan        bool
	ScanTimeout time.Duration
	Timeouts    Timeouts

	// NewManager defaults to connmgr.New.
	NewManager func() connmgr.Mgr
	Logger     *slog.Logger
}

var _ Dialer = (*BlueZDialer)(nil)

func (d *BlueZDialer) Dial(ctx context.Context) (Conn, error) {
	mgr := d.manager()
	dev, err := d.resolve(ctx, mgr)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if d.Timeouts.Connect > 0 {
		cctx, cancel = context.WithTimeout(ctx, d.Timeouts.Connect)
	}
	defer cancel()

	d.logger().Debug("transport: connecting", "device", dev.Path)
	rwc, err := mgr.Connect(cctx, dev)
	if err != nil {
		_ = mgr.Close()
		return nil, fault.Wrap(fault.KindUnknown, "connect", ConnectFailed, err)
	}
	return &managedConn{Conn: NewLineConn(rwc, d.Timeouts.IO), mgr: mgr}, nil
}

func (d *BlueZDialer) resolve(ctx context.Context, mgr connmgr.Mgr) (connmgr.Device, error) {
	target := strings.TrimSpace(d.Device)
	if strings.HasPrefix(target, "/") {
		return connmgr.Device{Path: target}, nil
	}

	var mac string
	if target != "" {
		norm, err := connmgr.NormalizeMAC(target)
		if err != nil {
			return connmgr.Device{}, fault.Wrap(fault.KindTransport, "resolve", "Invalid device address "+target+".", err)
		}
		mac = norm
		if !d.Scan {
			path, _ := connmgr.DevicePath(d.Adapter, mac)
			return connmgr.Device{Path: path, MAC: mac}, nil
		}
	}

	sctx, cancel := ctx, context.CancelFunc(func() {})
	if d.ScanTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, d.ScanTimeout)
	}
	defer cancel()
	devs, err := mgr.ScanSPP(sctx)
	if err != nil {
		return connmgr.Device{}, fault.Wrap(fault.KindUnknown, "scan", "Device discovery failed.", err)
	}
	if err := ctx.Err(); err != nil {
		return connmgr.Device{}, fault.Wrap(fault.KindUnknown, "scan", "Device discovery interrupted.", err)
	}
	for _, dev := range devs {
		if mac == "" || strings.EqualFold(dev.MAC, mac) {
			d.logger().Debug("transport: scan picked device", "device", dev.Path, "name", dev.DisplayName())
			return dev, nil
		}
	}
	return connmgr.Device{}, fault.New(fault.KindTransport, "scan", "No SPP device found.")
}

func (d *BlueZDialer) manager() connmgr.Mgr {
	if d.NewManager != nil {
		return d.NewManager()
	}
	return connmgr.New(connmgr.WithLogger(d.logger()))
}

func (d *BlueZDialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// managedConn closes its manager after the connection.
type managedConn struct {
	Conn
	mgr connmgr.Mgr
}

func (c *managedConn) Close() error {
	err := c.Conn.Close()
	_ = c.mgr.Close()
	return err
}
