package kernel

import (
	"sync/atomic"

	"github.com/joeycumines/go-microkernel/handle"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/wait"
)

// UserEvent is an Event signaled by tasks, through EventNotify.
type UserEvent struct {
	handle.Ref
	event ipc.Event
}

func newUserEvent(signal uint64) *UserEvent {
	x := new(UserEvent)
	x.event.Notify(0, signal)
	x.OnDestroy(x.event.Close)
	return x
}

func (*UserEvent) Kind() string { return "event" }

func (x *UserEvent) Event() *ipc.Event { return &x.event }

// DispatcherObject is a wait.Dispatcher reachable through handles. It is
// waitable, raising ipc.SigRead while entries are queued.
type DispatcherObject struct {
	handle.Ref
	d *wait.Dispatcher
}

func newDispatcherObject(d *wait.Dispatcher) *DispatcherObject {
	x := &DispatcherObject{d: d}
	x.OnDestroy(d.Close)
	return x
}

func (*DispatcherObject) Kind() string { return "dispatcher" }

func (x *DispatcherObject) Event() *ipc.Event { return x.d.Event() }

// Dispatcher returns the underlying dispatcher.
func (x *DispatcherObject) Dispatcher() *wait.Dispatcher { return x.d }

// waiterObject is a pending ObjectWaitAsync registration. It is completed by
// at most one WaiterComplete; dropping its last handle first cancels it.
type waiterObject struct {
	handle.Ref
	blocker *wait.Blocker
	event   *ipc.Event
	claimed atomic.Bool
}

func newWaiterObject(event *ipc.Event, wakeAll bool, mask uint64) *waiterObject {
	x := &waiterObject{
		blocker: wait.NewBlocker(event, wakeAll, mask),
		event:   event,
	}
	x.blocker.SetReason("waiter complete")
	x.OnDestroy(x.cancel)
	return x
}

func (*waiterObject) Kind() string { return "waiter" }

// cancel resolves a still registered blocker as canceled, waking any task
// completing it.
func (x *waiterObject) cancel() {
	if found, signal := x.event.Unwait(x.blocker); found {
		x.blocker.OnCancel(x.event, signal)
	}
}
