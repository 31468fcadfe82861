package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"bluetooth-chat/internal/fault"
)

var (
	// ErrAlreadyStarted is returned by Start on a task that has been started before.
	ErrAlreadyStarted = errors.New("attach: task already started")
)

// Final log lines for operations that did not produce a result.
const (
	CancelledLine    = "Operation cancelled."
	FailedLinePrefix = "ERROR: "
)

// Poster schedules work on the UI-affinity context. *uiloop.Loop implements it.
type Poster interface {
	Post(fn func()) bool
}

// Progress reports an informational message to the owner.
type Progress func(message string)

// Job is the background phase of a task. It must check ctx between blocking
// steps; the returned string becomes the final log line on success.
type Job[In any] func(ctx context.Context, in In, progress Progress) (string, error)

// State is a task's lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateRegistered
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
	StateDeregistered
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateDeregistered:
		return "deregistered"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DeliveryPolicy decides where callbacks go while the owner is detached.
type DeliveryPolicy int

const (
	// DeliverBuffered holds callbacks while detached and replays them, in order,
	// to the next attached owner. The task stays registered until its final
	// callback has been delivered.
	DeliverBuffered DeliveryPolicy = iota
	// DeliverLastKnown delivers immediately to the last-known owner, even if
	// that instance has been torn down.
	DeliverLastKnown
)

// ParseDeliveryPolicy maps "buffer" and "last_known" to a policy.
func ParseDeliveryPolicy(s string) (DeliveryPolicy, error) {
	switch s {
	case "buffer", "":
		return DeliverBuffered, nil
	case "last_known":
		return DeliverLastKnown, nil
	}
	return 0, fmt.Errorf("attach: unknown delivery policy %q", s)
}

// TaskOption configures a Task.
type TaskOption func(*taskConfig)

type taskConfig struct {
	id         string
	policy     DeliveryPolicy
	onAttached func(Owner)
	onDetached func()
	logger     *slog.Logger
}

// WithTaskID overrides the generated task ID.
func WithTaskID(id string) TaskOption {
	return func(c *taskConfig) { c.id = id }
}

// WithDeliveryPolicy sets the detached-delivery policy. Default: DeliverBuffered.
func WithDeliveryPolicy(p DeliveryPolicy) TaskOption {
	return func(c *taskConfig) { c.policy = p }
}

// WithAttachHooks sets the hooks run after the owner is attached or detached.
// Either may be nil.
func WithAttachHooks(onAttached func(Owner), onDetached func()) TaskOption {
	return func(c *taskConfig) {
		c.onAttached = onAttached
		c.onDetached = onDetached
	}
}

// WithTaskLogger sets the logger. Default: slog.Default().
func WithTaskLogger(l *slog.Logger) TaskOption {
	return func(c *taskConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

type delivery struct {
	fn    func(Owner)
	final bool
}

// Task runs a Job in the background and reports to whichever owner is current.
type Task[In any] struct {
	taskConfig

	key      Key
	registry *Registry
	ui       Poster
	job      Job[In]

	mu              sync.Mutex
	state           State
	current         Owner // nil while detached
	lastKnown       Owner // never nil
	pending         []delivery
	cancel          context.CancelFunc
	cancelRequested bool
	err             error

	done chan struct{}
}

var _ Attachable = (*Task[struct{}])(nil)

// NewTask creates a task bound to owner. The task is filed in registry under
// KeyOf(owner) when it starts; callbacks are posted to ui.
func NewTask[In any](owner Owner, registry *Registry, ui Poster, job Job[In], opts ...TaskOption) (*Task[In], error) {
	switch {
	case owner == nil:
		return nil, errors.New("attach: owner required")
	case registry == nil:
		return nil, errors.New("attach: registry required")
	case ui == nil:
		return nil, errors.New("attach: ui poster required")
	case job == nil:
		return nil, errors.New("attach: job required")
	}
	cfg := taskConfig{policy: DeliverBuffered, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	return &Task[In]{
		taskConfig: cfg,
		key:        KeyOf(owner),
		registry:   registry,
		ui:         ui,
		job:        job,
		current:    owner,
		lastKnown:  owner,
		done:       make(chan struct{}),
	}, nil
}

// ID returns the task ID.
func (t *Task[In]) ID() string { return t.id }

// Key returns the owner key the task is filed under.
func (t *Task[In]) Key() Key { return t.key }

// State returns the current lifecycle state.
func (t *Task[In]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error once the task has failed or been cancelled.
func (t *Task[In]) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed after the final callback has been delivered and the task has
// left the registry.
func (t *Task[In]) Done() <-chan struct{} { return t.done }

// ResolveOwner returns the current owner, or the last-known owner while detached.
// It never returns nil.
func (t *Task[In]) ResolveOwner() Owner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveLocked()
}

func (t *Task[In]) resolveLocked() Owner {
	if t.current != nil {
		return t.current
	}
	return t.lastKnown
}

// Start registers the task and runs its job on a new goroutine.
func (t *Task[In]) Start(ctx context.Context, in In) error {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	if t.cancelRequested {
		cancel()
	}
	t.state = StateRegistered
	t.mu.Unlock()

	t.registry.Register(t.key, t)

	t.mu.Lock()
	t.state = StateRunning
	t.mu.Unlock()
	t.logger.Debug("task: started", "task_id", t.id, "owner_key", t.key.String())

	go t.run(ctx, cancel, in)
	return nil
}

// Cancel asks the job to stop. The job observes it through its context at the
// next checkpoint. Cancel before Start makes the job start already cancelled.
func (t *Task[In]) Cancel() {
	t.mu.Lock()
	t.cancelRequested = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OwnerDetached implements Attachable.
func (t *Task[In]) OwnerDetached() {
	t.mu.Lock()
	t.current = nil
	t.mu.Unlock()
	if t.onDetached != nil {
		t.onDetached()
	}
}

// OwnerAttached implements Attachable. Attaching nil is the same as detaching.
func (t *Task[In]) OwnerAttached(owner Owner) {
	if owner == nil {
		t.OwnerDetached()
		return
	}
	t.mu.Lock()
	t.current = owner
	t.lastKnown = owner
	buffered := len(t.pending) > 0
	t.mu.Unlock()
	if t.onAttached != nil {
		t.onAttached(owner)
	}
	if buffered {
		t.postFunc(t.flush)
	}
}

func (t *Task[In]) run(ctx context.Context, cancel context.CancelFunc, in In) {
	defer cancel()
	result, err := t.invoke(ctx, in)

	var (
		st   State
		line string
	)
	switch {
	case err == nil:
		st, line = StateSucceeded, result
	case fault.Is(err, fault.KindCancelled) || errors.Is(ctx.Err(), context.Canceled):
		st, line = StateCancelled, CancelledLine
		if !fault.Is(err, fault.KindCancelled) {
			err = fault.Wrap(fault.KindCancelled, "", CancelledLine, err)
		}
	default:
		st, line = StateFailed, FailedLinePrefix+fault.Detail(err)
	}

	t.mu.Lock()
	t.state = st
	t.err = err
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("task: finished with error", "task_id", t.id, "owner_key", t.key.String(),
			"state", st.String(), "kind", fault.KindOf(err).String(), "error", err)
	} else {
		t.logger.Debug("task: finished", "task_id", t.id, "owner_key", t.key.String())
	}

	t.post(delivery{final: true, fn: func(o Owner) {
		if line != "" {
			o.AppendLog(line)
		}
		o.OperationFinished()
	}})
}

func (t *Task[In]) invoke(ctx context.Context, in In) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attach: job panicked: %v", r)
		}
	}()
	return t.job(ctx, in, t.progress)
}

func (t *Task[In]) progress(message string) {
	t.post(delivery{fn: func(o Owner) { o.AppendLog(message) }})
}

func (t *Task[In]) post(d delivery) {
	t.postFunc(func() { t.dispatch(d) })
}

func (t *Task[In]) postFunc(fn func()) {
	if !t.ui.Post(fn) {
		// Without a UI context there is nowhere better to run it.
		t.logger.Warn("task: ui context closed, delivering inline", "task_id", t.id)
		fn()
	}
}

// dispatch runs on the UI context.
func (t *Task[In]) dispatch(d delivery) {
	t.mu.Lock()
	if t.state == StateDeregistered {
		t.mu.Unlock()
		return
	}
	if t.policy == DeliverBuffered && (t.current == nil || len(t.pending) > 0) {
		t.pending = append(t.pending, d)
		t.mu.Unlock()
		return
	}
	owner := t.resolveLocked()
	t.mu.Unlock()
	t.deliverTo(owner, d)
}

// flush runs on the UI context. It stops early if the owner detaches again
// from inside a callback.
func (t *Task[In]) flush() {
	for {
		t.mu.Lock()
		if t.state == StateDeregistered || t.current == nil || len(t.pending) == 0 {
			t.mu.Unlock()
			return
		}
		d := t.pending[0]
		t.pending[0] = delivery{}
		t.pending = t.pending[1:]
		owner := t.current
		t.mu.Unlock()
		t.deliverTo(owner, d)
	}
}

func (t *Task[In]) deliverTo(owner Owner, d delivery) {
	d.fn(owner)
	if d.final {
		t.deregister()
	}
}

func (t *Task[In]) deregister() {
	t.mu.Lock()
	if t.state == StateDeregistered {
		t.mu.Unlock()
		return
	}
	t.state = StateDeregistered
	t.pending = nil
	t.mu.Unlock()

	t.registry.Deregister(t.key, t)
	close(t.done)
	t.logger.Debug("task: deregistered", "task_id", t.id, "owner_key", t.key.String())
}
