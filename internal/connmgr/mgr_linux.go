//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

// New creates a manager. The system bus is connected lazily.
func New(opts ...Option) Mgr {
	return &mgr{options: buildOptions(opts)}
}

var errClosed = errors.New("connmgr: closed")

type role int

const (
	roleNone role = iota
	roleServer
	roleClient
)

func (r role) String() string {
	switch r {
	case roleServer:
		return "server"
	case roleClient:
		return "client"
	}
	return "none"
}

var pathCounter atomic.Uint64

type mgr struct {
	options

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn
	role   role

	prof     *profile // exported Profile1 for the current role
	profPath dbus.ObjectPath
	used     bool // Accept or Connect has been called

	// undo steps run by Close in reverse order
	cleanup []func()
}

// profile implements org.bluez.Profile1. Only the first NewConnection is handed
// to the waiting caller; later ones are closed and rejected.
type profile struct {
	logger *slog.Logger
	ch     chan accepted // capacity 1
	taken  atomic.Bool
}

type accepted struct {
	file *os.File
	dev  Device
}

func newProfile(logger *slog.Logger) *profile {
	return &profile{logger: logger, ch: make(chan accepted, 1)}
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f, err := socketFile(int(fd))
	if err != nil {
		p.logger.Warn("connmgr: unusable socket from bluez", "device", string(dev), "error", err)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{err.Error()}}
	}
	if !p.taken.CompareAndSwap(false, true) {
		_ = f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already accepted"}}
	}
	p.ch <- accepted{file: f, dev: Device{Path: string(dev), MAC: macFromPath(dev)}}
	p.logger.Debug("connmgr: new connection", "device", string(dev))
	return nil
}

// socketFile takes ownership of fd. Switching it to non-blocking lets the
// runtime poller manage it, so read and write deadlines work.
func socketFile(fd int) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}

// beginLocked checks the common preconditions and connects the bus. Each manager
// has its own connection so Close never affects another manager.
func (m *mgr) beginLocked(want role) error {
	if m.closed {
		return errClosed
	}
	if m.role != roleNone && m.role != want {
		return fmt.Errorf("connmgr: already used as %s", m.role)
	}
	if m.bus != nil {
		return nil
	}
	c, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	m.cleanup = append(m.cleanup, func() { _ = c.Close() })
	return nil
}

// registerLocked exports a Profile1 object and registers it with BlueZ.
func (m *mgr) registerLocked(r role, settings map[string]dbus.Variant) error {
	kind := r.String()
	id := pathCounter.Add(1)
	path := dbus.ObjectPath("/org/bluetooth_chat/connmgr/" + kind + "/p" + strconv.FormatUint(id, 10))
	prof := newProfile(m.logger)
	if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("connmgr: export %s profile: %w", kind, err)
	}
	pm := m.bus.Object(bluezService, bluezRoot)
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SPPUUID, settings); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(%s): %w", kind, call.Err)
	}
	bus := m.bus
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	m.prof, m.profPath, m.role = prof, path, r
	m.logger.Debug("connmgr: profile registered", "role", kind, "path", string(path))
	return nil
}

func (m *mgr) StartServer(_ context.Context, opts ServerOptions) error {
	if opts.ServiceName == "" {
		return errors.New("connmgr: ServiceName required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(roleServer); err != nil {
		return err
	}
	if m.role == roleServer {
		return errors.New("connmgr: server already started")
	}
	return m.registerLocked(roleServer, map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ wants the channel as uint16.
		"Channel": dbus.MakeVariant(uint16(m.channel)),
	})
}

func (m *mgr) Accept(ctx context.Context) (io.ReadWriteCloser, Device, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, Device{}, errClosed
	case m.role != roleServer:
		m.mu.Unlock()
		return nil, Device{}, errors.New("connmgr: server not started")
	case m.used:
		m.mu.Unlock()
		return nil, Device{}, errors.New("connmgr: Accept already used")
	}
	m.used = true
	ch := m.prof.ch
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, Device{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case a := <-ch:
		return a.file, a.dev, nil
	}
}

func (m *mgr) ScanSPP(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed
	}
	if m.bus == nil {
		if err := m.beginLocked(m.role); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	bus := m.bus
	m.mu.Unlock()

	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	found := make(map[string]Device)
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			adapter := bus.Object(bluezService, path)
			_ = adapter.Call(adapterIface+".StartDiscovery", 0).Err
			defer func() { _ = adapter.Call(adapterIface+".StopDiscovery", 0).Err }()
		}
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			found[dev.Path] = dev
		}
	}

	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()
	sigs := make(chan *dbus.Signal, 16)
	bus.Signal(sigs)
	defer bus.RemoveSignal(sigs)

	for {
		select {
		case <-ctx.Done():
			out := make([]Device, 0, len(found))
			for _, d := range found {
				out = append(out, d)
			}
			slices.SortFunc(out, func(a, b Device) int { return strings.Compare(a.Path, b.Path) })
			m.logger.Debug("connmgr: scan finished", "devices", len(out))
			return out, nil
		case sig := <-sigs:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if dev, ok := deviceFromIfaces(path, ifaces); ok {
				found[dev.Path] = dev
			}
		}
	}
}

func (m *mgr) Connect(ctx context.Context, dev Device) (io.ReadWriteCloser, error) {
	if dev.Path == "" {
		return nil, errors.New("connmgr: device path required")
	}
	m.mu.Lock()
	if err := m.beginLocked(roleClient); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.used {
		m.mu.Unlock()
		return nil, errors.New("connmgr: Connect already used")
	}
	if m.role != roleClient {
		if err := m.registerLocked(roleClient, map[string]dbus.Variant{
			"Role": dbus.MakeVariant("client"),
		}); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	m.used = true
	ch := m.prof.ch
	bus := m.bus
	m.mu.Unlock()

	obj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	if err := ensurePaired(ctx, obj); err != nil {
		return nil, err
	}
	if call := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		return nil, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case a := <-ch:
		return a.file, nil
	}
}

// ensurePaired pairs the device if BlueZ reports it unpaired. A failed property
// read is not fatal; ConnectProfile will report the real problem.
func ensurePaired(ctx context.Context, obj dbus.BusObject) error {
	var paired dbus.Variant
	call := obj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired")
	if call.Err != nil || call.Store(&paired) != nil {
		return nil
	}
	if b, ok := paired.Value().(bool); ok && !b {
		if err := obj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
			return fmt.Errorf("connmgr: Pair: %w", err)
		}
	}
	return nil
}

func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := bus.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}
