package attach

import (
	"log/slog"
	"sync"
)

// Attachable is anything a Registry can rebind to a new owner.
type Attachable interface {
	// OwnerDetached clears the current owner and runs the detach hook.
	OwnerDetached()
	// OwnerAttached sets the current owner and runs the attach hook.
	OwnerAttached(owner Owner)
}

// Registry maps owner keys to the tasks currently active under them. A key is
// present only while at least one task is registered under it.
//
// Create one per process and pass it to whatever starts tasks. All methods are
// safe for concurrent use; attach/detach hooks run after the lock is released,
// in registration order.
type Registry struct {
	mu     sync.Mutex
	tasks  map[Key][]Attachable
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger. Default: slog.Default().
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tasks:  make(map[Key][]Attachable),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register files t under key. Registering the same task twice files it twice;
// callers avoid that.
func (r *Registry) Register(key Key, t Attachable) {
	if t == nil {
		return
	}
	r.mu.Lock()
	r.tasks[key] = append(r.tasks[key], t)
	n := len(r.tasks[key])
	r.mu.Unlock()
	r.logger.Debug("registry: registered", "owner_key", key.String(), "active", n)
}

// Deregister removes t from key and drops the key once it has no tasks left.
// An unknown key or task is ignored.
func (r *Registry) Deregister(key Key, t Attachable) {
	r.mu.Lock()
	list, ok := r.tasks[key]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("registry: deregister for absent key ignored", "owner_key", key.String())
		return
	}
	idx := -1
	for i, x := range list {
		if x == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Debug("registry: deregister for unknown task ignored", "owner_key", key.String())
		return
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(r.tasks, key)
	} else {
		r.tasks[key] = list
	}
	n := len(list)
	r.mu.Unlock()
	r.logger.Debug("registry: deregistered", "owner_key", key.String(), "active", n)
}

// Detach clears the current owner of every task under key.
func (r *Registry) Detach(key Key) {
	list := r.snapshot(key)
	for _, t := range list {
		t.OwnerDetached()
	}
	if len(list) > 0 {
		r.logger.Debug("registry: detached", "owner_key", key.String(), "tasks", len(list))
	}
}

// Attach makes owner the current owner of every task under key.
func (r *Registry) Attach(key Key, owner Owner) {
	list := r.snapshot(key)
	for _, t := range list {
		t.OwnerAttached(owner)
	}
	if len(list) > 0 {
		r.logger.Debug("registry: attached", "owner_key", key.String(), "tasks", len(list))
	}
}

// Len returns the number of tasks registered under key.
func (r *Registry) Len(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks[key])
}

// Has reports whether key has any registered task.
func (r *Registry) Has(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// Keys returns the keys that currently have tasks, in no particular order.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.tasks))
	for k := range r.tasks {
		out = append(out, k)
	}
	return out
}

func (r *Registry) snapshot(key Key) []Attachable {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.tasks[key]
	if len(list) == 0 {
		return nil
	}
	return append([]Attachable(nil), list...)
}
