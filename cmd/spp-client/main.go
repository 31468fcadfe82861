// spp-client sends a line to an SPP server and prints the reply, driven by
// commands on stdin.
//
// Prerequisites for the bluez transport
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`; the server device paired or pairable.
//
// Usage
//
//	SPP_TRANSPORT_DEVICE=EC:55:F9:F6:55:8E go run ./cmd/spp-client
//	SPP_TRANSPORT_SCAN=true go run ./cmd/spp-client
//	SPP_TRANSPORT_KIND=tcp SPP_TRANSPORT_ADDRESS=127.0.0.1:9000 go run ./cmd/spp-client
//
// Then type `send`, `rotate` while the exchange is in flight, `status`, `quit`.
// `rotate` recreates the screen the way a platform would on a configuration
// change; a running exchange keeps reporting to the new screen and the send
// button stays disabled until it finishes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"bluetooth-chat/internal/config"
	"bluetooth-chat/internal/logger"
	"bluetooth-chat/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "config file (default $SPP_CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.Setup(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("spp-client failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a, err := newApp(ctx, cfg, newDialer(cfg, log), os.Stdout, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop.Run(gctx) })
	g.Go(func() error { return a.readCommands(gctx, os.Stdin) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newDialer(cfg *config.Config, log *slog.Logger) transport.Dialer {
	t := cfg.Transport
	timeouts := transport.Timeouts{Connect: t.ConnectTimeout, IO: t.IOTimeout}
	if t.Kind == "tcp" {
		return &transport.TCPDialer{Address: t.Address, Timeouts: timeouts}
	}
	return &transport.BlueZDialer{
		Device:      t.Device,
		Adapter:     t.Adapter,
		Scan:        t.Scan,
		ScanTimeout: t.ScanTimeout,
		Timeouts:    timeouts,
		Logger:      log,
	}
}
