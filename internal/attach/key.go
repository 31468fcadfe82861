// Package attach keeps background operations connected to a transient owner.
//
// An owner (a screen, a console view) may be torn down and recreated while the
// operations it started keep running. Tasks are filed in a Registry under the
// Key of their owner's concrete type. Before teardown the host calls
// Registry.Detach; after recreation it calls Registry.Attach with the new
// instance, and every task filed under that key is rebound to it.
//
// Owner callbacks are never invoked from a task's worker goroutine. They are
// posted to a single UI-affinity context (see package uiloop) and delivered there.
package attach

import "reflect"

// Owner is what a task reports to.
type Owner interface {
	// AppendLog adds one line to the owner's visible log.
	AppendLog(line string)
	// OperationFinished is called once, after the final log line of an operation.
	OperationFinished()
}

// Key identifies an owner by its concrete type, not by instance. At most one
// owner instance per key is expected to be current at a time.
type Key struct {
	typ reflect.Type
}

// KeyOf returns the key for owner's dynamic type. KeyOf(nil) is the zero Key.
func KeyOf(owner any) Key {
	if owner == nil {
		return Key{}
	}
	return Key{typ: reflect.TypeOf(owner)}
}

// IsZero reports whether k matches no owner type.
func (k Key) IsZero() bool { return k.typ == nil }

func (k Key) String() string {
	if k.typ == nil {
		return "<none>"
	}
	return k.typ.String()
}
