// Package uiloop provides the single UI-affinity execution context.
//
// Every owner callback and every registry attach/detach fan-out is expected to run
// on one Loop. Background goroutines never touch owner state directly; they Post.
//
// Thread-safety: Post, Sync and Close are safe for concurrent use. Run must be
// called exactly once.
package uiloop

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("uiloop: closed")

// Loop runs posted functions one at a time, in the order they were posted.
// The queue is unbounded so a background poster never blocks on the UI.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{} // capacity 1; a pending token means "queue may be non-empty"
	done chan struct{} // closed when Run returns
}

// New creates an idle loop. Call Run to start executing posted work.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn on the loop. It reports false if the loop is closed, in which
// case fn will never run.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return true
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.notify()
	return true
}

// Run executes posted work until ctx is done or Close is called. Work already
// queued when Close is called still runs; work queued when ctx ends is dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		fn, ok, closed := l.next()
		if ok {
			fn()
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Sync blocks until every function posted before the call has run.
func (l *Loop) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	if !l.Post(func() { close(ch) }) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-l.done:
		// Run may have drained ch's func on its way out.
		select {
		case <-ch:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work. Run returns once the remaining queue is drained.
// Close is idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.notify()
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (fn func(), ok bool, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false, l.closed
	}
	fn = l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true, false
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
