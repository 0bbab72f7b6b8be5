package handle

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-microkernel/ipc"
)

// Object is a kernel object reachable through handles. Implementations embed
// Ref, which counts the handles referencing the object.
type Object interface {
	// Kind names the object type, for diagnostics.
	Kind() string
	objectRef() *Ref
}

// Ref is embedded by every Object. The object is destroyed when Destroy is
// called, or when its last handle is dropped, whichever happens first.
// Destruction runs the hook set by OnDestroy, once.
type Ref struct {
	count     atomic.Int64
	destroyed atomic.Bool
	once      sync.Once
	mu        sync.Mutex
	onDestroy func()
}

func (r *Ref) objectRef() *Ref { return r }

// OnDestroy sets the destruction hook, typically canceling the object's
// Event. It must be called before the object is inserted into a table.
func (r *Ref) OnDestroy(fn func()) {
	r.mu.Lock()
	r.onDestroy = fn
	r.mu.Unlock()
}

// Destroy marks the object destroyed and runs the hook. Handles referencing
// it remain in their tables, but resolve to kerr.ErrBrokenEvent.
func (r *Ref) Destroy() {
	r.once.Do(func() {
		r.destroyed.Store(true)
		r.mu.Lock()
		fn := r.onDestroy
		r.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// Destroyed reports whether the object has been destroyed.
func (r *Ref) Destroyed() bool { return r.destroyed.Load() }

// Refs returns the number of live handles to the object.
func (r *Ref) Refs() int64 { return r.count.Load() }

func (r *Ref) retain() { r.count.Add(1) }

func (r *Ref) release() {
	if n := r.count.Add(-1); n == 0 {
		r.Destroy()
	} else if n < 0 {
		panic("handle: reference count underflow")
	}
}

// eventOf returns the object's Event, if it has one.
func eventOf(obj Object) (*ipc.Event, bool) {
	if w, ok := obj.(ipc.Waitable); ok {
		return w.Event(), true
	}
	return nil, false
}
