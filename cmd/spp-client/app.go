package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"bluetooth-chat/internal/attach"
	"bluetooth-chat/internal/config"
	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/exchange"
	"bluetooth-chat/internal/session"
	"bluetooth-chat/internal/transport"
	"bluetooth-chat/internal/uiloop"
)

const usage = `commands:
  send [text]  send text (or the configured message) to the server
  rotate       tear the screen down and recreate it, keeping running tasks
  cancel       cancel the running exchange
  clear        clear the screen log
  scan         list SPP devices (bluez only)
  status       show screen and task state
  quit         exit`

// app owns the UI loop, the task registry and the current screen. Fields below
// the loop are confined to the loop goroutine.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	dialer   transport.Dialer
	policy   attach.DeliveryPolicy
	registry *attach.Registry
	loop     *uiloop.Loop

	ctx    context.Context
	cancel context.CancelFunc

	screens int
	screen  *screen
	task    *attach.Task[string]
}

func newApp(ctx context.Context, cfg *config.Config, dialer transport.Dialer, out io.Writer, logger *slog.Logger) (*app, error) {
	policy, err := attach.ParseDeliveryPolicy(cfg.Delivery.Policy)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		out:      &syncWriter{w: out},
		dialer:   dialer,
		policy:   policy,
		registry: attach.NewRegistry(attach.WithRegistryLogger(logger)),
		loop:     uiloop.New(),
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.screen = a.nextScreen()
	return a, nil
}

func (a *app) nextScreen() *screen {
	a.screens++
	return newScreen(a.screens, a.out, a.logger)
}

// readCommands feeds lines from r to handle until quit, EOF or ctx ends.
// It closes the loop on the way out.
func (a *app) readCommands(ctx context.Context, r io.Reader) error {
	defer a.shutdown()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	fmt.Fprintln(a.out, usage)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if a.handle(line) {
				return nil
			}
		}
	}
}

// handle runs one command and reports whether it was quit.
func (a *app) handle(line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToLower(cmd) {
	case "":
	case "send":
		msg := strings.TrimSpace(arg)
		if msg == "" {
			msg = a.cfg.Exchange.Message
		}
		a.loop.Post(func() { a.send(msg) })
	case "rotate":
		a.loop.Post(a.rotate)
	case "cancel":
		a.loop.Post(func() {
			if a.task != nil {
				a.task.Cancel()
			}
		})
	case "clear":
		a.loop.Post(func() { a.screen.clear() })
	case "scan":
		go a.scan()
	case "status":
		a.loop.Post(a.status)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(a.out, "unknown command %q\n%s\n", cmd, usage)
	}
	return false
}

// send is the click handler of the send button.
func (a *app) send(msg string) {
	s := a.screen
	if !s.button.TryTrigger(func() { a.startTask(s, msg) }) {
		a.logger.Info("send ignored: an exchange is still running", "screen", s.id)
	}
}

func (a *app) startTask(s *screen, msg string) {
	t, err := attach.NewTask(s, a.registry, a.loop, exchange.Job(a.dialer),
		attach.WithDeliveryPolicy(a.policy),
		attach.WithTaskLogger(a.logger),
		attach.WithAttachHooks(
			func(o attach.Owner) { a.logger.Debug("task owner attached", "owner_key", attach.KeyOf(o).String()) },
			func() { a.logger.Debug("task owner detached") },
		),
	)
	if err == nil {
		err = t.Start(a.ctx, msg)
	}
	if err != nil {
		s.AppendLog(attach.FailedLinePrefix + err.Error())
		s.button.Release()
		return
	}
	a.task = t
}

// rotate simulates the platform destroying and recreating the screen: detach,
// save the state bundle, build a new screen, restore, attach.
func (a *app) rotate() {
	old := a.screen
	key := attach.KeyOf(old)
	a.registry.Detach(key)

	saved := session.Bundle{Guard: old.button.Capture(), Log: old.lines()}
	path := a.cfg.Session.File
	if err := session.Save(path, saved); err != nil {
		a.logger.Warn("saving session failed, keeping it in memory", "path", path, "error", err)
	} else if loaded, ok, err := session.Load(path); err != nil {
		a.logger.Warn("loading session failed, using the in-memory copy", "path", path, "error", err)
	} else if ok {
		saved = loaded
	}

	next := a.nextScreen()
	next.restore(saved.Log)
	// The new button is idle, so this never waits.
	if err := next.button.Restore(a.ctx, saved.Guard, false, nil); err != nil {
		a.logger.Warn("restoring send button failed", "error", err)
	}
	a.screen = next
	a.registry.Attach(key, next)
	a.logger.Info("screen recreated", "screen", next.id, "active_tasks", a.registry.Len(key))
}

func (a *app) status() {
	s := a.screen
	state := "none"
	if a.task != nil {
		state = a.task.State().String()
	}
	fmt.Fprintf(a.out, "screen %d: button %s, last task %s, active tasks %d, log lines %d\n",
		s.id, s.button.Capture(), state, a.registry.Len(attach.KeyOf(s)), len(s.log))
}

func (a *app) scan() {
	if a.cfg.Transport.Kind != "bluez" {
		fmt.Fprintln(a.out, "scan needs the bluez transport")
		return
	}
	m := connmgr.New(connmgr.WithLogger(a.logger))
	defer m.Close()

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.Transport.ScanTimeout)
	defer cancel()
	devs, err := m.ScanSPP(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "scan failed: %v\n", err)
		return
	}
	if len(devs) == 0 {
		fmt.Fprintln(a.out, "no SPP devices found")
		return
	}
	for i, d := range devs {
		fmt.Fprintf(a.out, "%2d) %s  %s  %s\n", i+1, d.DisplayName(), d.MAC, d.Path)
	}
}

// shutdown cancels running exchanges and lets the loop drain.
func (a *app) shutdown() {
	a.cancel()
	a.loop.Close()
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
