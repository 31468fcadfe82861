// spp-server answers SPP clients: it accepts one connection, reads a line,
// replies with the configured greeting and starts over, until interrupted.
//
// Prerequisites for the bluez transport
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Most environments require sudo for RegisterProfile.
//
// Usage
//
//	sudo go run ./cmd/spp-server
//	SPP_EXCHANGE_SERVICE_NAME=MyChatService sudo go run ./cmd/spp-server
//	SPP_TRANSPORT_KIND=tcp SPP_TRANSPORT_ADDRESS=127.0.0.1:9000 go run ./cmd/spp-server
//
// Verify the bluez registration from another terminal:
//
//	sdptool browse local   (Serial Port, Channel 22)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bluetooth-chat/internal/config"
	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/exchange"
	"bluetooth-chat/internal/logger"
	"bluetooth-chat/internal/transport"
)

// retryDelay spaces out rounds that failed before a client connected.
const retryDelay = time.Second

func main() {
	configPath := flag.String("config", "", "config file (default $SPP_CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.Setup(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Transport.Kind == "tcp" {
		err = serveTCP(ctx, cfg, log)
	} else {
		err = serveBlueZ(ctx, cfg, log)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("spp-server failed", "error", err)
		os.Exit(1)
	}
}

// serveBlueZ registers a fresh SPP server profile for every round; a manager
// accepts a single connection.
func serveBlueZ(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	for ctx.Err() == nil {
		if err := bluezRound(ctx, cfg, log); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("round failed", "error", err)
			sleep(ctx, retryDelay)
		}
	}
	return ctx.Err()
}

func bluezRound(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	m := connmgr.New(connmgr.WithLogger(log))
	defer m.Close()

	if err := m.StartServer(ctx, connmgr.ServerOptions{ServiceName: cfg.Exchange.ServiceName}); err != nil {
		return err
	}
	log.Info("waiting for connection", "service_name", cfg.Exchange.ServiceName)
	rwc, dev, err := m.Accept(ctx)
	if err != nil {
		return err
	}
	log.Info("accepted connection", "device", dev.Path, "name", dev.DisplayName())
	return answer(ctx, transport.NewLineConn(rwc, cfg.Transport.IOTimeout), cfg, log)
}

func serveTCP(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Transport.Address)
	if err != nil {
		return fmt.Errorf("spp-server: listen: %w", err)
	}
	return serveListener(ctx, ln, cfg, log)
}

// serveListener answers connections from ln one at a time until ctx ends.
// It closes ln.
func serveListener(ctx context.Context, ln net.Listener, cfg *config.Config, log *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()
	log.Info("waiting for connection", "address", ln.Addr().String())

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("spp-server: accept: %w", err)
		}
		log.Info("accepted connection", "remote", c.RemoteAddr().String())
		if err := answer(ctx, transport.NewLineConn(c, cfg.Transport.IOTimeout), cfg, log); err != nil {
			log.Warn("round failed", "error", err)
		}
	}
}

func answer(ctx context.Context, conn transport.Conn, cfg *config.Config, log *slog.Logger) error {
	defer conn.Close()
	_, err := exchange.Serve(ctx, conn, cfg.Exchange.Greeting, log)
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
