package ipc

import (
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/joeycumines/go-microkernel/cpu"
)

// Event is a signal bitmask plus the waiters interested in it.
//
// The zero value is an Event with no signal bits set, ready for use.
type Event struct {
	// Prevent copying
	_ [0]func()

	waiters []Waiter
	signal  atomic.Uint64
	lock    spinLock
	closed  bool
}

// NewEvent returns an Event with the given initial signal.
func NewEvent(signal uint64) *Event {
	e := new(Event)
	e.signal.Store(signal)
	return e
}

// Signal returns the current signal.
func (e *Event) Signal() uint64 {
	return e.signal.Load()
}

// Len returns the number of registered waiters.
func (e *Event) Len() (n int) {
	e.locked(func() { n = len(e.waiters) })
	return n
}

// Wait registers w. If w already matches the current signal, honoring its
// trigger mode, its OnNotify runs synchronously and it is not registered.
// Otherwise, if the Event is closed, its OnCancel runs synchronously.
//
// The check and the registration happen in one critical section, so a
// concurrent Notify either observes the registered waiter, or published its
// signal before the check.
func (e *Event) Wait(w Waiter) { Bound{e: e}.Wait(w) }

// Unwait removes w if it is still registered, reporting whether it was found
// and the signal at the time of removal. When racing with Notify or Cancel,
// exactly one side observes w in the list; the loser gets found == false.
func (e *Event) Unwait(w Waiter) (found bool, signal uint64) { return Bound{e: e}.Unwait(w) }

// Notify updates the signal to (old &^ clear) | set, then notifies every
// registered waiter the new signal satisfies. Matched waiters are removed
// from the list; the rest keep their order.
//
// If the update sets no bit that was not already set, no waiter can newly
// match and the waiter list is not touched.
func (e *Event) Notify(clear, set uint64) { Bound{e: e}.Notify(clear, set) }

// With returns a view of e for a goroutine whose cpu.Binding is b, or nil if
// it is not bound. Its operations disable preemption through b, where those
// of e look the calling goroutine's binding up. Only b's goroutine may use
// it.
func (e *Event) With(b *cpu.Binding) Bound { return Bound{e: e, b: b, known: true} }

// Bound is an Event operated on by a goroutine with a known cpu.Binding. See
// Event.With.
type Bound struct {
	e     *Event
	b     *cpu.Binding
	known bool
}

// Wait is Event.Wait.
func (x Bound) Wait(w Waiter) {
	e := x.e
	var (
		signal            uint64
		matched, canceled bool
	)
	x.locked(func() {
		signal = e.signal.Load()
		if w.WaiterData().CanSignal(signal, true) {
			matched = true
			return
		}
		if e.closed {
			canceled = true
			return
		}
		e.waiters = append(e.waiters, w)
	})
	switch {
	case matched:
		w.OnNotify(signal)
	case canceled:
		w.OnCancel(e, signal)
	}
}

// Unwait is Event.Unwait.
func (x Bound) Unwait(w Waiter) (found bool, signal uint64) {
	e := x.e
	x.locked(func() {
		signal = e.signal.Load()
		if i := slices.Index(e.waiters, w); i >= 0 {
			e.waiters = slices.Delete(e.waiters, i, i+1)
			found = true
		}
	})
	return found, signal
}

// Notify is Event.Notify.
func (x Bound) Notify(clear, set uint64) {
	e := x.e
	var signal uint64
	for {
		prev := e.signal.Load()
		next := (prev &^ clear) | set
		if prev == next {
			return
		}
		if e.signal.CompareAndSwap(prev, next) {
			if prev&next == next {
				return
			}
			signal = next
			break
		}
		runtime.Gosched()
	}
	x.locked(func() {
		e.waiters = slices.DeleteFunc(e.waiters, func(w Waiter) bool {
			return tryOnNotify(w, signal, false)
		})
	})
}

// locked is Event.locked, resolving the binding only if it isn't known.
func (x Bound) locked(fn func()) {
	b := x.b
	if !x.known {
		b = cpu.Preemption.Current()
	}
	x.e.lockedAs(b, fn)
}

// Cancel detaches every registered waiter and calls its OnCancel with the
// current signal. It must be called before the Event's owner is destroyed.
func (e *Event) Cancel() {
	e.cancel(false)
}

// Close is Cancel, after which every Wait that does not match immediately is
// canceled instead of registered. Notify still updates the signal.
func (e *Event) Close() {
	e.cancel(true)
}

// Closed reports whether Close has been called.
func (e *Event) Closed() (closed bool) {
	e.locked(func() { closed = e.closed })
	return closed
}

func (e *Event) cancel(close bool) {
	var waiters []Waiter
	e.locked(func() {
		waiters = e.waiters
		e.waiters = nil
		if close {
			e.closed = true
		}
	})
	signal := e.signal.Load()
	for _, w := range waiters {
		w.OnCancel(e, signal)
	}
}

// locked runs fn with preemption disabled and the waiter list locked.
func (e *Event) locked(fn func()) {
	e.lockedAs(cpu.Preemption.Current(), fn)
}

func (e *Event) lockedAs(b *cpu.Binding, fn func()) {
	g := b.Lock()
	defer g.Unlock()
	e.lock.lock()
	defer e.lock.unlock()
	fn()
}

// spinLock guards waiter lists. It is only held with preemption disabled, and
// never across a suspension point.
type spinLock struct {
	v atomic.Uint32
}

func (l *spinLock) lock() {
	for !l.v.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) unlock() {
	l.v.Store(0)
}
