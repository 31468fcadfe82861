// Package exchange is the SPP request/response round trip: the client job that
// runs as a task's background phase, and the one-shot server responder.
package exchange

import (
	"context"
	"log/slog"

	"bluetooth-chat/internal/attach"
	"bluetooth-chat/internal/fault"
	"bluetooth-chat/internal/transport"
)

// Progress lines reported by the client job, in order.
const (
	LineConnecting = "Attempting socket connection..."
	LineConnected  = "Socket connection successful!"
	LineSent       = "Message sent! Preparing for server response..."

	// EmptyMessage replaces an empty message before sending.
	EmptyMessage = "No message provided!"
	// ResponsePrefix precedes the server's reply in the final result.
	ResponsePrefix = "Response from server: "
)

// SendingLine is the progress line reported before the message goes out.
func SendingLine(message string) string {
	return "Sending message (" + message + ") to server..."
}

// Job returns the client exchange: connect through d, send the task input as
// one line, and return the first line the server answers with.
func Job(d transport.Dialer) attach.Job[string] {
	return func(ctx context.Context, message string, progress attach.Progress) (string, error) {
		progress(LineConnecting)
		conn, err := d.Dial(ctx)
		if err != nil {
			return "", err
		}
		defer conn.Close()
		progress(LineConnected)

		if err := ctx.Err(); err != nil {
			return "", fault.Wrap(fault.KindUnknown, "send", transport.SendFailed, err)
		}
		if message == "" {
			message = EmptyMessage
		}
		progress(SendingLine(message))
		if err := conn.Send(ctx, []byte(message+"\n")); err != nil {
			return "", err
		}
		progress(LineSent)

		if err := ctx.Err(); err != nil {
			return "", fault.Wrap(fault.KindUnknown, "receive", transport.ReceiveFailed, err)
		}
		reply, err := conn.ReceiveLine(ctx)
		if err != nil {
			return "", err
		}
		return ResponsePrefix + reply, nil
	}
}

// Serve answers one client: it reads a line, logs it, and replies with
// greeting terminated by CRLF. It returns the line it received.
func Serve(ctx context.Context, conn transport.Conn, greeting string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	line, err := conn.ReceiveLine(ctx)
	if err != nil {
		return "", err
	}
	logger.Info("exchange: received", "line", line)

	if err := conn.Send(ctx, []byte(greeting+"\r\n")); err != nil {
		return line, err
	}
	logger.Info("exchange: replied", "line", greeting)
	return line, nil
}
