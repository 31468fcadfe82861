package transport

import (
	"context"
	"net"

	"bluetooth-chat/internal/fault"
)

// TCPDialer stands in for the RF link during development: the same exchange,
// over a TCP socket.
type TCPDialer struct {
	Address  string
	Timeouts Timeouts
}

var _ Dialer = (*TCPDialer)(nil)

func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeouts.Connect}
	c, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnknown, "connect", ConnectFailed, err)
	}
	return NewLineConn(c, d.Timeouts.IO), nil
}
