package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/fault"
)

func pipe(t *testing.T, timeout time.Duration, opts ...LineOption) (Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return NewLineConn(a, timeout, opts...), b
}

func TestLineConn_SendAndReceive(t *testing.T) {
	t.Parallel()

	conn, peer := pipe(t, time.Second)
	ctx := context.Background()

	go func() {
		r := bufio.NewReader(peer)
		line, _ := r.ReadString('\n')
		_, _ = io.WriteString(peer, "echo "+line[:len(line)-1]+"\r\n")
		_, _ = io.WriteString(peer, "second\n")
	}()

	require.NoError(t, conn.Send(ctx, []byte("hello\n")))
	got, err := conn.ReceiveLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo hello", got)

	got, err = conn.ReceiveLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "second Close is harmless")
}

func TestLineConn_UnterminatedFinalLine(t *testing.T) {
	t.Parallel()

	conn, peer := pipe(t, time.Second)
	go func() {
		_, _ = io.WriteString(peer, "Greetings")
		_ = peer.Close()
	}()
	got, err := conn.ReceiveLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Greetings", got)

	_, err = conn.ReceiveLine(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransport))
	assert.Equal(t, ReceiveFailed, fault.Detail(err))
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineConn_Timeout(t *testing.T) {
	t.Parallel()

	conn, _ := pipe(t, 20*time.Millisecond)
	_, err := conn.ReceiveLine(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTimeout), "got %v", err)

	err = conn.Send(context.Background(), []byte("nobody reads\n"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTimeout), "got %v", err)
	assert.Equal(t, SendFailed, fault.Detail(err))
}

func TestLineConn_CancelledWhileBlocked(t *testing.T) {
	t.Parallel()

	conn, _ := pipe(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReceiveLine(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, fault.Is(err, fault.KindCancelled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveLine ignored cancellation")
	}

	_, err := conn.ReceiveLine(ctx)
	assert.True(t, fault.Is(err, fault.KindCancelled), "already-cancelled ctx fails fast")
}

func TestLineConn_LineTooLong(t *testing.T) {
	t.Parallel()

	conn, peer := pipe(t, time.Second, WithMaxLine(8))
	go func() { _, _ = io.WriteString(peer, strings.Repeat("x", 32)+"\n") }()
	_, err := conn.ReceiveLine(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindProtocol))
	assert.Equal(t, ReplyTooLong, fault.Detail(err))
}

// plainStream hides net.Conn's deadline methods.
type plainStream struct{ io.ReadWriteCloser }

func TestLineConn_WithoutDeadlineSupport(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer b.Close()
	conn := NewLineConn(plainStream{a}, 20*time.Millisecond)

	_, err := conn.ReceiveLine(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTimeout), "got %v", err)

	// The stream was closed to unblock the read.
	_, werr := b.Write([]byte("x"))
	assert.Error(t, werr)
}

func TestTCPDialer(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		line, _ := bufio.NewReader(c).ReadString('\n')
		_, _ = io.WriteString(c, "got "+line)
	}()

	d := &TCPDialer{Address: ln.Addr().String(), Timeouts: DefaultTimeouts()}
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(context.Background(), []byte("ping\n")))
	got, err := conn.ReceiveLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "got ping", got)
}

func TestTCPDialer_Refused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = (&TCPDialer{Address: addr}).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransport))
	assert.Equal(t, ConnectFailed, fault.Detail(err))
}

// fakeMgr records calls and serves a net.Pipe as the RFCOMM stream.
type fakeMgr struct {
	mu        sync.Mutex
	devices   []connmgr.Device
	scanErr   error
	connErr   error
	connected connmgr.Device
	peer      net.Conn
	closed    int
}

func (m *fakeMgr) StartServer(context.Context, connmgr.ServerOptions) error {
	return errors.New("not a server")
}

func (m *fakeMgr) Accept(context.Context) (io.ReadWriteCloser, connmgr.Device, error) {
	return nil, connmgr.Device{}, errors.New("not a server")
}

func (m *fakeMgr) ScanSPP(context.Context) ([]connmgr.Device, error) {
	return m.devices, m.scanErr
}

func (m *fakeMgr) Connect(ctx context.Context, dev connmgr.Device) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = dev
	if m.connErr != nil {
		return nil, m.connErr
	}
	a, b := net.Pipe()
	m.peer = b
	return a, nil
}

func (m *fakeMgr) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func TestBlueZDialer_Resolve(t *testing.T) {
	t.Parallel()

	scanned := []connmgr.Device{
		{Path: "/org/bluez/hci0/dev_00_11_22_33_44_55", MAC: "00:11:22:33:44:55"},
		{Path: "/org/bluez/hci0/dev_EC_55_F9_F6_55_8E", MAC: "EC:55:F9:F6:55:8E"},
	}
	cases := []struct {
		name     string
		dialer   BlueZDialer
		wantPath string
	}{
		{"object path", BlueZDialer{Device: "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"}, "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"},
		{"mac", BlueZDialer{Device: "ec:55:f9:f6:55:8e"}, "/org/bluez/hci0/dev_EC_55_F9_F6_55_8E"},
		{"mac on adapter", BlueZDialer{Device: "ec:55:f9:f6:55:8e", Adapter: "hci2"}, "/org/bluez/hci2/dev_EC_55_F9_F6_55_8E"},
		{"scan first", BlueZDialer{Scan: true}, scanned[0].Path},
		{"scan by mac", BlueZDialer{Scan: true, Device: "EC:55:F9:F6:55:8E"}, scanned[1].Path},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &fakeMgr{devices: scanned}
			d := tc.dialer
			d.NewManager = func() connmgr.Mgr { return m }
			d.Timeouts = Timeouts{Connect: time.Second, IO: time.Second}

			conn, err := d.Dial(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.wantPath, m.connected.Path)

			require.NoError(t, conn.Close())
			assert.Equal(t, 1, m.closed, "closing the conn closes the manager")
		})
	}
}

func TestBlueZDialer_Failures(t *testing.T) {
	t.Parallel()

	t.Run("bad address", func(t *testing.T) {
		m := &fakeMgr{}
		d := BlueZDialer{Device: "nope", NewManager: func() connmgr.Mgr { return m }}
		_, err := d.Dial(context.Background())
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindTransport))
		assert.Equal(t, 1, m.closed)
	})

	t.Run("nothing found", func(t *testing.T) {
		m := &fakeMgr{}
		d := BlueZDialer{Scan: true, NewManager: func() connmgr.Mgr { return m }}
		_, err := d.Dial(context.Background())
		require.Error(t, err)
		assert.Equal(t, "No SPP device found.", fault.Detail(err))
	})

	t.Run("connect refused", func(t *testing.T) {
		m := &fakeMgr{connErr: errors.New("org.bluez.Error.Failed")}
		d := BlueZDialer{Device: "/org/bluez/hci0/dev_00_11_22_33_44_55", NewManager: func() connmgr.Mgr { return m }}
		_, err := d.Dial(context.Background())
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindTransport))
		assert.Equal(t, ConnectFailed, fault.Detail(err))
		assert.Equal(t, 1, m.closed)
	})

	t.Run("connect timeout", func(t *testing.T) {
		m := &fakeMgr{connErr: context.DeadlineExceeded}
		d := BlueZDialer{Device: "/org/bluez/hci0/dev_00_11_22_33_44_55", NewManager: func() connmgr.Mgr { return m }}
		_, err := d.Dial(context.Background())
		assert.True(t, fault.Is(err, fault.KindTimeout))
	})
}
