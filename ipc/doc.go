// Package ipc implements the signaling primitive every kernel object builds
// on: an [Event] holding a signal bitmask, and the [Waiter] values registered
// against it.
//
// # Signals
//
// A signal is an opaque, object-defined bitmask. The conventional bits are
// [SigGeneric], [SigRead], [SigWrite] and [SigTimer]. An Event's signal only
// ever changes through [Event.Notify], which applies
// new = (old &^ clear) | set with a compare-and-swap retry loop, so no
// update is lost under concurrent notifiers.
//
// # Waiters
//
// A waiter describes what it wants with a [WaiterData]: a desired bitmask and
// a [TriggerMode]. It matches when every desired bit is set. Level-triggered
// waiters may match as soon as they are registered; edge-triggered waiters
// only ever match on a subsequent notify. A matched waiter is removed from
// the Event and its OnNotify callback runs exactly once.
//
// Callbacks run with the Event's waiter list locked, and must not call back
// into the same Event. They may notify other Events, which is how
// dispatchers nest.
//
// # Lifetime
//
// Before the object owning an Event is torn down, [Event.Cancel] must be
// called. It detaches every waiter and invokes its OnCancel callback with the
// final signal, so nothing is left waiting on a dead object.
package ipc
