package attach

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stub is a minimal Attachable.
type stub struct {
	owner    Owner
	attaches int
	detaches int
}

func (s *stub) OwnerDetached()            { s.owner = nil; s.detaches++ }
func (s *stub) OwnerAttached(owner Owner) { s.owner = owner; s.attaches++ }

func TestRegistry_KeyPresentIffActive(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	reg := NewRegistry()
	key := KeyOf(&screenX{})

	var active []*stub
	for step := 0; step < 500; step++ {
		if len(active) == 0 || rng.Intn(2) == 0 {
			s := &stub{}
			reg.Register(key, s)
			active = append(active, s)
		} else {
			i := rng.Intn(len(active))
			reg.Deregister(key, active[i])
			// A second removal of the same task is ignored.
			reg.Deregister(key, active[i])
			active = append(active[:i], active[i+1:]...)
		}
		require.Equal(t, len(active) > 0, reg.Has(key), "step %d", step)
		require.Equal(t, len(active), reg.Len(key), "step %d", step)
	}
}

func TestRegistry_DeregisterAbsentKeyIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	assert.NotPanics(t, func() {
		reg.Deregister(KeyOf(&screenX{}), &stub{})
		reg.Deregister(Key{}, nil)
	})
	assert.Empty(t, reg.Keys())

	// Unknown task under a known key leaves the key alone.
	known := &stub{}
	reg.Register(KeyOf(&screenX{}), known)
	reg.Deregister(KeyOf(&screenX{}), &stub{})
	assert.Equal(t, 1, reg.Len(KeyOf(&screenX{})))
}

func TestRegistry_DetachAttachRebindsOnlyThatKey(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	oldX := &screenX{&recorder{name: "old"}}
	newX := &screenX{&recorder{name: "new"}}
	ownerY := &screenY{&recorder{name: "y"}}

	xs := []*stub{{owner: oldX}, {owner: oldX}, {owner: oldX}}
	for _, s := range xs {
		reg.Register(KeyOf(oldX), s)
	}
	y := &stub{owner: ownerY}
	reg.Register(KeyOf(ownerY), y)

	reg.Detach(KeyOf(oldX))
	for _, s := range xs {
		assert.Nil(t, s.owner)
		assert.Equal(t, 1, s.detaches)
	}
	assert.Same(t, ownerY, y.owner)

	reg.Attach(KeyOf(newX), newX)
	for _, s := range xs {
		assert.Same(t, newX, s.owner)
		assert.Equal(t, 1, s.attaches)
	}
	assert.Same(t, ownerY, y.owner)
	assert.Zero(t, y.attaches+y.detaches)

	// Absent keys are ignored.
	reg.Detach(Key{})
	reg.Attach(Key{}, newX)
	assert.ElementsMatch(t, []Key{KeyOf(oldX), KeyOf(ownerY)}, reg.Keys())
}

func TestTask_ResolveOwnerNeverNil(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	owner := &screenX{&recorder{}}
	task, err := NewTask[int](owner, reg, &trackingPoster{}, func(ctx context.Context, _ int, _ Progress) (string, error) {
		return "", nil
	})
	require.NoError(t, err)

	reg.Register(task.Key(), task)
	reg.Detach(task.Key())
	assert.Same(t, owner, task.ResolveOwner())
	task.OwnerAttached(nil)
	assert.Same(t, owner, task.ResolveOwner())

	next := &screenX{&recorder{}}
	reg.Attach(task.Key(), next)
	assert.Same(t, next, task.ResolveOwner())
	reg.Detach(task.Key())
	assert.Same(t, next, task.ResolveOwner())
}
