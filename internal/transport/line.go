package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"bluetooth-chat/internal/fault"
)

// DefaultMaxLine bounds ReceiveLine.
const DefaultMaxLine = 64 << 10

// LineOption configures NewLineConn.
type LineOption func(*lineConn)

// WithMaxLine overrides DefaultMaxLine.
func WithMaxLine(n int) LineOption {
	return func(c *lineConn) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// deadliner is implemented by *os.File (for pollable descriptors) and net.Conn.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type lineConn struct {
	rwc     io.ReadWriteCloser
	r       *bufio.Reader
	timeout time.Duration
	maxLine int

	closeOnce sync.Once
	closeErr  error
}

// NewLineConn wraps a byte stream. ioTimeout bounds each Send and ReceiveLine.
// If the stream supports deadlines they are used; otherwise the stream is closed
// when the timeout or the context expires, which also ends the connection.
func NewLineConn(rwc io.ReadWriteCloser, ioTimeout time.Duration, opts ...LineOption) Conn {
	c := &lineConn{
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		timeout: ioTimeout,
		maxLine: DefaultMaxLine,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *lineConn) Send(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindUnknown, "send", SendFailed, err)
	}
	disarm := c.arm(ctx, false)
	_, err := c.rwc.Write(p)
	timedOut := disarm()
	if err != nil {
		return c.classify(ctx, "send", SendFailed, err, timedOut)
	}
	return nil
}

func (c *lineConn) ReceiveLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.Wrap(fault.KindUnknown, "receive", ReceiveFailed, err)
	}
	disarm := c.arm(ctx, true)
	line, err := c.readLine()
	timedOut := disarm()

	switch {
	case err == nil:
	case errors.Is(err, errLineTooLong):
		return "", fault.Wrap(fault.KindProtocol, "receive", ReplyTooLong, err)
	case errors.Is(err, io.EOF) && len(line) > 0 && ctx.Err() == nil:
		// Peer closed after an unterminated final line.
	default:
		return "", c.classify(ctx, "receive", ReceiveFailed, err, timedOut)
	}
	return trimEOL(line), nil
}

func (c *lineConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}

var errLineTooLong = errors.New("transport: line too long")

func (c *lineConn) readLine() (string, error) {
	var buf []byte
	for {
		frag, err := c.r.ReadSlice('\n')
		buf = append(buf, frag...)
		if len(buf) > c.maxLine {
			return "", errLineTooLong
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(buf), err
	}
}

// arm applies the I/O timeout and ctx to the next blocking call. The returned
// function undoes it and reports whether the timeout fired.
func (c *lineConn) arm(ctx context.Context, read bool) (disarm func() bool) {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	if dl, ok := c.rwc.(deadliner); ok {
		set := dl.SetWriteDeadline
		if read {
			set = dl.SetReadDeadline
		}
		_ = set(deadline)
		stop := context.AfterFunc(ctx, func() { _ = set(time.Unix(1, 0)) })
		return func() bool {
			stop()
			_ = set(time.Time{})
			return false // reported through os.ErrDeadlineExceeded instead
		}
	}

	var fired atomic.Bool
	var timer *time.Timer
	if !deadline.IsZero() {
		timer = time.AfterFunc(time.Until(deadline), func() {
			fired.Store(true)
			_ = c.Close()
		})
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	return func() bool {
		stop()
		if timer != nil {
			timer.Stop()
		}
		return fired.Load()
	}
}

func (c *lineConn) classify(ctx context.Context, op, detail string, err error, timedOut bool) error {
	if cerr := ctx.Err(); cerr != nil {
		return fault.Wrap(fault.KindOf(cerr), op, detail, cerr)
	}
	if timedOut || errors.Is(err, os.ErrDeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, op, detail, err)
	}
	return fault.Wrap(fault.KindTransport, op, detail, err)
}

func trimEOL(s string) string {
	n := len(s)
	if n > 0 && s[n-1] == '\n' {
		n--
		if n > 0 && s[n-1] == '\r' {
			n--
		}
	}
	return s[:n]
}
