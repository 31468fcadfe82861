package attach

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-chat/internal/fault"
	"bluetooth-chat/internal/uiloop"
)

const waitFor = 2 * time.Second

// trackingPoster knows whether one of its posted functions is running.
type trackingPoster struct {
	loop   *uiloop.Loop
	inLoop atomic.Bool
}

func (p *trackingPoster) Post(fn func()) bool {
	return p.loop.Post(func() {
		p.inLoop.Store(true)
		defer p.inLoop.Store(false)
		fn()
	})
}

func newPoster(t *testing.T) *trackingPoster {
	t.Helper()
	l := uiloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return &trackingPoster{loop: l}
}

// recorder is an Owner that remembers every callback.
type recorder struct {
	name   string
	poster *trackingPoster

	mu     sync.Mutex
	events []string
	offUI  int
}

func (r *recorder) note(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.poster != nil && !r.poster.inLoop.Load() {
		r.offUI++
	}
	r.events = append(r.events, ev)
}

func (r *recorder) AppendLog(line string) { r.note("log:" + line) }
func (r *recorder) OperationFinished()    { r.note("finished") }

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) OffUI() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offUI
}

// Two distinct owner types, so they get distinct keys.
type screenX struct{ *recorder }
type screenY struct{ *recorder }

func waitDone[In any](t *testing.T, task *Task[In]) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(waitFor):
		t.Fatalf("task %s did not finish; state=%s", task.ID(), task.State())
	}
}

func TestKeyOf_TypeIdentity(t *testing.T) {
	t.Parallel()

	a := &screenX{&recorder{name: "a"}}
	b := &screenX{&recorder{name: "b"}}
	c := &screenY{&recorder{name: "c"}}
	assert.Equal(t, KeyOf(a), KeyOf(b))
	assert.NotEqual(t, KeyOf(a), KeyOf(c))
	assert.True(t, KeyOf(nil).IsZero())
	assert.Equal(t, "*attach.screenX", KeyOf(a).String())
}

func TestScenario_OrderedCallbacksWithoutInterleaving(t *testing.T) {
	t.Parallel()

	poster := newPoster(t)
	reg := NewRegistry()
	ownerX := &screenX{&recorder{poster: poster}}
	ownerY := &screenY{&recorder{poster: poster}}

	job := func(prefix string) Job[string] {
		return func(ctx context.Context, in string, progress Progress) (string, error) {
			progress(prefix + "connecting")
			progress(prefix + "sent")
			return prefix + in, nil
		}
	}

	taskA, err := NewTask[string](ownerX, reg, poster, job(""))
	require.NoError(t, err)
	taskB, err := NewTask[string](ownerY, reg, poster, job("b-"))
	require.NoError(t, err)

	require.NoError(t, taskA.Start(context.Background(), "OK"))
	require.NoError(t, taskB.Start(context.Background(), "OK"))
	waitDone(t, taskA)
	waitDone(t, taskB)

	assert.Equal(t, []string{"log:connecting", "log:sent", "log:OK", "finished"}, ownerX.Events())
	assert.Equal(t, []string{"log:b-connecting", "log:b-sent", "log:b-OK", "finished"}, ownerY.Events())
	assert.Zero(t, ownerX.OffUI(), "callbacks must run on the UI context")
	assert.Zero(t, ownerY.OffUI())

	assert.Equal(t, StateDeregistered, taskA.State())
	assert.False(t, reg.Has(taskA.Key()))
	assert.False(t, reg.Has(taskB.Key()))
}

func TestStart_RegistersBeforeJobRuns(t *testing.T) {
	t.Parallel()

	poster := newPoster(t)
	reg := NewRegistry()
	owner := &screenX{&recorder{}}

	var seen atomic.Int32
	task, err := NewTask[struct{}](owner, reg, poster, func(ctx context.Context, _ struct{}, _ Progress) (string, error) {
		seen.Store(int32(reg.Len(KeyOf(owner))))
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, task.State())

	require.NoError(t, task.Start(context.Background(), struct{}{}))
	waitDone(t, task)
	assert.Equal(t, int32(1), seen.Load())
	assert.ErrorIs(t, task.Start(context.Background(), struct{}{}), ErrAlreadyStarted)
	assert.Equal(t, []string{"finished"}, owner.Events(), "empty result adds no log line")
}

func TestDetachAttach_BufferedDeliveryGoesToNewOwner(t *testing.T) {
	t.Parallel()

	poster := newPoster(t)
	reg := NewRegistry()
	oldOwner := &screenX{&recorder{name: "old"}}
	newOwner := &screenX{&recorder{name: "new"}}

	var attached, detached atomic.Int32
	proceed := make(chan struct{})
	task, err := NewTask[string](oldOwner, reg, poster,
		func(ctx context.Context, in string, progress Progress) (string, error) {
			progress("before")
			<-proceed
			progress("during")
			return "OK", nil
		},
		WithAttachHooks(func(Owner) { attached.Add(1) }, func() { detached.Add(1) }),
	)
	require.NoError(t, err)
	require.NoError(t, task.Start(context.Background(), ""))

	require.Eventually(t, func() bool { return len(oldOwner.Events()) == 1 }, waitFor, time.Millisecond)

	key := KeyOf(oldOwner)
	require.True(t, poster.Post(func() { reg.Detach(key) }))
	require.NoError(t, poster.loop.Sync(context.Background()))
	assert.Equal(t, int32(1), detached.Load())
	assert.Same(t, oldOwner, task.ResolveOwner(), "detached task still resolves to the last-known owner")

	close(proceed)
	// Everything after the detach is held back, and the task stays active.
	require.Eventually(t, func() bool { return task.State() == StateSucceeded }, waitFor, time.Millisecond)
	require.NoError(t, poster.loop.Sync(context.Background()))
	assert.Equal(t, []string{"log:before"}, oldOwner.Events())
	assert.True(t, reg.Has(key))

	require.True(t, poster.Post(func() { reg.Attach(key, newOwner) }))
	waitDone(t, task)

	assert.Equal(t, int32(1), attached.Load())
	assert.Equal(t, []string{"log:during", "log:OK", "finished"}, newOwner.Events())
	assert.Equal(t, []string{"log:before"}, oldOwner.Events())
	assert.Same(t, newOwner, task.ResolveOwner())
	assert.False(t, reg.Has(key))
}

func TestDetach_LastKnownPolicyDeliversToStaleOwner(t *testing.T) {
	t.Parallel()

	poster := newPoster(t)
	reg := NewRegistry()
	owner := &screenX{&recorder{}}

	proceed := make(chan struct{})
	task, err := NewTask[string](owner, reg, poster,
		func(ctx context.Context, in string, progress Progress) (string, error) {
			<-proceed
			progress("late")
			return "OK", nil
		},
		WithDeliveryPolicy(DeliverLastKnown),
	)
	require.NoError(t, err)
	require.NoError(t, task.Start(context.Background(), ""))

	reg.Detach(KeyOf(owner))
	close(proceed)
	waitDone(t, task)

	assert.Equal(t, []string{"log:late", "log:OK", "finished"}, owner.Events())
	assert.False(t, reg.Has(KeyOf(owner)))
}

func TestTask_FailureAndCancellation(t *testing.T) {
	t.Parallel()

	poster := newPoster(t)
	reg := NewRegistry()

	t.Run("failure", func(t *testing.T) {
		owner := &screenX{&recorder{}}
		task, err := NewTask[string](owner, reg, poster,
			func(ctx context.Context, in string, progress Progress) (string, error) {
				progress("connecting")
				return "", fault.New(fault.KindTransport, "connect", "Socket connection failed.")
			})
		require.NoError(t, err)
		require.NoError(t, task.Start(context.Background(), ""))
		waitDone(t, task)

		assert.Equal(t, []string{"log:connecting", "log:ERROR: Socket connection failed.", "finished"}, owner.Events())
		assert.True(t, fault.Is(task.Err(), fault.KindTransport))
	})

	t.Run("cancel", func(t *testing.T) {
		owner := &screenY{&recorder{}}
		started := make(chan struct{})
		task, err := NewTask[string](owner, reg, poster,
			func(ctx context.Context, in string, progress Progress) (string, error) {
				close(started)
				<-ctx.Done()
				return "", ctx.Err()
			})
		require.NoError(t, err)
		require.NoError(t, task.Start(context.Background(), ""))
		<-started
		task.Cancel()
		waitDone(t, task)

		assert.Equal(t, []string{"log:" + CancelledLine, "finished"}, owner.Events())
		assert.True(t, fault.Is(task.Err(), fault.KindCancelled))
	})

	t.Run("cancel before start", func(t *testing.T) {
		owner := &screenX{&recorder{}}
		task, err := NewTask[string](owner, reg, poster,
			func(ctx context.Context, in string, progress Progress) (string, error) {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				return "ran", nil
			})
		require.NoError(t, err)
		task.Cancel()
		require.NoError(t, task.Start(context.Background(), ""))
		waitDone(t, task)
		assert.Equal(t, []string{"log:" + CancelledLine, "finished"}, owner.Events())
	})

	t.Run("panic", func(t *testing.T) {
		owner := &screenX{&recorder{}}
		task, err := NewTask[string](owner, reg, poster,
			func(ctx context.Context, in string, progress Progress) (string, error) {
				panic("boom")
			})
		require.NoError(t, err)
		require.NoError(t, task.Start(context.Background(), ""))
		waitDone(t, task)
		assert.Equal(t, []string{"log:ERROR: attach: job panicked: boom", "finished"}, owner.Events())
	})
}

func TestNewTask_RejectsMissingCollaborators(t *testing.T) {
	t.Parallel()

	poster := &trackingPoster{loop: uiloop.New()}
	reg := NewRegistry()
	owner := &screenX{&recorder{}}
	job := func(context.Context, int, Progress) (string, error) { return "", nil }

	_, err := NewTask[int](nil, reg, poster, job)
	assert.Error(t, err)
	_, err = NewTask[int](owner, nil, poster, job)
	assert.Error(t, err)
	_, err = NewTask[int](owner, reg, nil, job)
	assert.Error(t, err)
	_, err = NewTask[int](owner, reg, poster, nil)
	assert.Error(t, err)

	task, err := NewTask[int](owner, reg, poster, job, WithTaskID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", task.ID())
}

func TestParseDeliveryPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseDeliveryPolicy("buffer")
	require.NoError(t, err)
	assert.Equal(t, DeliverBuffered, p)
	p, err = ParseDeliveryPolicy("last_known")
	require.NoError(t, err)
	assert.Equal(t, DeliverLastKnown, p)
	_, err = ParseDeliveryPolicy("drop")
	assert.Error(t, err)
}
