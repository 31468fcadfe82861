// Package guard implements a single-fire trigger: an action wrapped by a Guard
// runs at most once until Release is called.
//
// A Guard is the state behind a "sticky" control. The first trigger sticks the
// guard and runs the action; later triggers either wait (Trigger) or are dropped
// (TryTrigger) until the outstanding operation calls Release. Waiters are served
// strictly in arrival order: Release hands the guard directly to the oldest
// waiter, so a caller arriving later can never overtake one that is queued.
//
// The stuck flag can be captured and restored across an owner's teardown and
// recreation without running the action a second time.
//
// Thread-safety: all methods are safe for concurrent use. The action and the
// enable callback must not block on the guard.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Guard serializes a user-triggerable action.
type Guard struct {
	mu      sync.Mutex
	stuck   atomic.Bool // written under mu
	waiters []*waiter

	name   string
	enable func(enabled bool)
	logger *slog.Logger
}

type waiter struct {
	ready   chan struct{}
	granted bool // set under mu before ready is closed
}

// Option configures a Guard.
type Option func(*Guard)

// WithEnableFunc sets the side-effect applied when the guard sticks (false) and
// when it is released (true), e.g. disabling and re-enabling a button.
// It is called with the guard's lock held.
func WithEnableFunc(fn func(enabled bool)) Option {
	return func(g *Guard) { g.enable = fn }
}

// WithName labels the guard in log output.
func WithName(name string) Option {
	return func(g *Guard) { g.name = name }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// New returns an idle guard.
func New(opts ...Option) *Guard {
	g := &Guard{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Trigger sticks the guard and runs action synchronously. If the guard is
// already stuck, Trigger waits in FIFO order until a Release hands it over.
//
// If ctx ends while waiting, Trigger returns ctx.Err() without running action.
// A nil action only sticks the guard.
func (g *Guard) Trigger(ctx context.Context, action func()) error {
	g.mu.Lock()
	if !g.stuck.Load() {
		g.stickLocked()
		g.mu.Unlock()
		run(action)
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	queued := len(g.waiters)
	g.mu.Unlock()
	g.logger.Debug("guard: waiting", "guard", g.name, "queue_len", queued)

	select {
	case <-w.ready:
		run(action)
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	if w.granted {
		// Release picked us after ctx ended; pass the guard on.
		g.mu.Unlock()
		g.Release()
		return ctx.Err()
	}
	g.removeLocked(w)
	g.mu.Unlock()
	return ctx.Err()
}

// TryTrigger sticks the guard and runs action only if the guard is idle.
// It never waits; it reports whether action ran.
func (g *Guard) TryTrigger(action func()) bool {
	g.mu.Lock()
	if g.stuck.Load() {
		g.mu.Unlock()
		return false
	}
	g.stickLocked()
	g.mu.Unlock()
	run(action)
	return true
}

// Release unsticks the guard and re-enables the control. If callers are waiting
// in Trigger, the oldest one is woken and immediately owns the guard again.
// Release on an idle guard is a no-op.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.stuck.Load() {
		return
	}
	g.stuck.Store(false)
	g.setEnabled(true)

	if len(g.waiters) == 0 {
		return
	}
	w := g.waiters[0]
	g.waiters[0] = nil
	g.waiters = g.waiters[1:]
	w.granted = true
	g.stickLocked()
	close(w.ready)
	g.logger.Debug("guard: handed off", "guard", g.name, "queue_len", len(g.waiters))
}

// IsStuck reports whether an action is outstanding. It never blocks.
func (g *Guard) IsStuck() bool { return g.stuck.Load() }

// Waiting reports how many Trigger calls are queued.
func (g *Guard) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// Capture snapshots the guard for the host's state bundle.
func (g *Guard) Capture() State {
	return State{Stuck: g.IsStuck()}
}

// Restore re-applies a captured state. If st is not stuck it does nothing.
// Otherwise it sticks the guard (waiting like Trigger if it is already stuck) and
// runs action only when invokeAction is true. Restoring with invokeAction false
// is how a recreated owner shows "an operation is still outstanding" without
// starting that operation again.
func (g *Guard) Restore(ctx context.Context, st State, invokeAction bool, action func()) error {
	if !st.Stuck {
		return nil
	}
	if !invokeAction {
		action = nil
	}
	return g.Trigger(ctx, action)
}

func (g *Guard) stickLocked() {
	g.stuck.Store(true)
	g.setEnabled(false)
}

func (g *Guard) setEnabled(enabled bool) {
	if g.enable != nil {
		g.enable(enabled)
	}
}

func (g *Guard) removeLocked(w *waiter) {
	for i, x := range g.waiters {
		if x == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

func run(action func()) {
	if action != nil {
		action()
	}
}
