package kernel

import (
	"fmt"
	"slices"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/handle"
	"github.com/joeycumines/go-microkernel/intr"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/sched"
	"github.com/joeycumines/go-microkernel/wait"
)

// Handles are created with every feature; callers narrow them with
// ObjectClone.
const defaultFeatures = handle.FeatureAll

// Forever is the timeout that never expires.
const Forever = wait.Forever

func checkMask(mask uint64) error {
	if mask == 0 {
		return fmt.Errorf("%w: empty signal mask", kerr.ErrInvalidArgument)
	}
	return nil
}

// ObjectWait blocks until the object behind h raises every bit of mask,
// returning the signal that satisfied the wait. With wakeAll, bits that are
// already set satisfy it immediately, otherwise only a later notify can.
// The handle must grant handle.FeatureWait.
func (k *Kernel) ObjectWait(cur *sched.Task, h handle.Handle, timeout time.Duration, wakeAll bool, mask uint64) (uint64, error) {
	signal, err := k.objectWait(cur, h, timeout, wakeAll, mask)
	return signal, k.done(cur, "object_wait", err)
}

func (k *Kernel) objectWait(cur *sched.Task, h handle.Handle, timeout time.Duration, wakeAll bool, mask uint64) (uint64, error) {
	if err := checkMask(mask); err != nil {
		return 0, err
	}
	event, obj, err := cur.Space().Handles().Event(h, handle.FeatureWait)
	if err != nil {
		return 0, err
	}
	b := wait.NewBlockerFor(cur, event, wakeAll, mask)
	b.SetReason("wait " + obj.Kind())
	err = b.Wait(cur, timeout)
	_, signal := b.Detach()
	return signal, err
}

// ObjectWaitAsync registers a wait on the object behind h without blocking,
// returning a waiter handle for WaiterComplete.
func (k *Kernel) ObjectWaitAsync(cur *sched.Task, h handle.Handle, wakeAll bool, mask uint64) (handle.Handle, error) {
	wh, err := k.objectWaitAsync(cur, h, wakeAll, mask)
	return wh, k.done(cur, "object_wait_async", err)
}

func (k *Kernel) objectWaitAsync(cur *sched.Task, h handle.Handle, wakeAll bool, mask uint64) (handle.Handle, error) {
	if err := checkMask(mask); err != nil {
		return 0, err
	}
	table := cur.Space().Handles()
	event, _, err := table.Event(h, handle.FeatureWait)
	if err != nil {
		return 0, err
	}
	w := newWaiterObject(event, wakeAll, mask)
	wh, err := table.Insert(w, handle.FeatureRead)
	if err != nil {
		w.Destroy()
		return 0, err
	}
	return wh, nil
}

// WaiterComplete blocks until the registration behind wh resolves, then
// removes wh. The result is as for ObjectWait; a registration whose object
// was destroyed, or whose handle was dropped meanwhile, fails with
// kerr.ErrBrokenEvent.
func (k *Kernel) WaiterComplete(cur *sched.Task, wh handle.Handle, timeout time.Duration) (uint64, error) {
	signal, err := k.waiterComplete(cur, wh, timeout)
	return signal, k.done(cur, "waiter_complete", err)
}

func (k *Kernel) waiterComplete(cur *sched.Task, wh handle.Handle, timeout time.Duration) (uint64, error) {
	table := cur.Space().Handles()
	obj, err := table.Get(wh, handle.FeatureRead)
	if err != nil {
		return 0, err
	}
	w, ok := obj.(*waiterObject)
	if !ok {
		return 0, fmt.Errorf("%w: %s handle is not a waiter", kerr.ErrInvalidArgument, obj.Kind())
	}
	if !w.claimed.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("%w: waiter is already being completed", kerr.ErrNotFound)
	}
	err = w.blocker.Wait(cur, timeout)
	_, signal := w.blocker.Detach()
	// a concurrent drop may have won
	_ = table.Remove(wh)
	return signal, err
}

// DispatcherCreate creates a dispatcher queueing up to capacity ready
// entries.
func (k *Kernel) DispatcherCreate(cur *sched.Task, capacity int) (handle.Handle, error) {
	h, err := k.dispatcherCreate(cur, capacity)
	return h, k.done(cur, "dispatcher_create", err)
}

func (k *Kernel) dispatcherCreate(cur *sched.Task, capacity int) (handle.Handle, error) {
	if limit := k.config.maxCapacity(); capacity > limit {
		return 0, fmt.Errorf("%w: dispatcher capacity %d exceeds %d", kerr.ErrInvalidArgument, capacity, limit)
	}
	name := fmt.Sprintf("%s/%d", cur.Space().Name(), k.dispatchers.Add(1))
	d, err := wait.NewDispatcher(capacity, slices.Concat(k.dispatcherOpts, []wait.Option{wait.WithName(name)})...)
	if err != nil {
		return 0, err
	}
	x := newDispatcherObject(d)
	h, err := cur.Space().Handles().Insert(x, defaultFeatures)
	if err != nil {
		x.Destroy()
		return 0, err
	}
	return h, nil
}

func (k *Kernel) dispatcher(cur *sched.Task, dh handle.Handle, required handle.Feature) (*wait.Dispatcher, error) {
	obj, err := cur.Space().Handles().Get(dh, required)
	if err != nil {
		return nil, err
	}
	x, ok := obj.(*DispatcherObject)
	if !ok {
		return nil, fmt.Errorf("%w: %s handle is not a dispatcher", kerr.ErrInvalidArgument, obj.Kind())
	}
	if x.Destroyed() {
		return nil, fmt.Errorf("%w: dispatcher destroyed", kerr.ErrBrokenEvent)
	}
	return x.d, nil
}

// DispatcherRegister registers the object behind h with the dispatcher
// behind dh, returning the entry's key. The dispatcher handle must grant
// handle.FeatureWrite, and h handle.FeatureWait.
//
// Popping an interrupt's entry acknowledges the interrupt, as IntrWait does,
// and its Result is the fire time in Unix nanoseconds.
func (k *Kernel) DispatcherRegister(cur *sched.Task, dh, h handle.Handle, levelTriggered bool, mask uint64) (uint64, error) {
	key, err := k.dispatcherRegister(cur, dh, h, levelTriggered, mask)
	return key, k.done(cur, "dispatcher_register", err)
}

func (k *Kernel) dispatcherRegister(cur *sched.Task, dh, h handle.Handle, levelTriggered bool, mask uint64) (uint64, error) {
	if err := checkMask(mask); err != nil {
		return 0, err
	}
	d, err := k.dispatcher(cur, dh, handle.FeatureWrite)
	if err != nil {
		return 0, err
	}
	event, obj, err := cur.Space().Handles().Event(h, handle.FeatureWait)
	if err != nil {
		return 0, err
	}
	mode := ipc.Edge
	if levelTriggered {
		mode = ipc.Level
	}
	var completion wait.Completion
	if x, ok := obj.(*intr.Interrupt); ok {
		completion = func(uint64) (uint64, error) {
			return ackInterrupt(x), nil
		}
	}
	key, err := d.Push(event, ipc.NewWaiterData(mode, mask), completion)
	return uint64(key), err
}

// DispatcherPop pops the oldest ready entry of the dispatcher behind dh,
// failing with kerr.ErrNotFound if there is none. The handle must grant
// handle.FeatureRead.
func (k *Kernel) DispatcherPop(cur *sched.Task, dh handle.Handle) (wait.Ready, error) {
	r, err := k.dispatcherPop(cur, dh)
	return r, k.done(cur, "dispatcher_pop", err)
}

func (k *Kernel) dispatcherPop(cur *sched.Task, dh handle.Handle) (wait.Ready, error) {
	d, err := k.dispatcher(cur, dh, handle.FeatureRead)
	if err != nil {
		return wait.Ready{}, err
	}
	r, ok := d.Pop()
	if !ok {
		return wait.Ready{}, fmt.Errorf("%w: dispatcher is empty", kerr.ErrNotFound)
	}
	return r, nil
}

// DispatcherPopWait is DispatcherPop, blocking until an entry is ready.
func (k *Kernel) DispatcherPopWait(cur *sched.Task, dh handle.Handle, timeout time.Duration) (wait.Ready, error) {
	r, err := k.dispatcherPopWait(cur, dh, timeout)
	return r, k.done(cur, "dispatcher_pop_wait", err)
}

func (k *Kernel) dispatcherPopWait(cur *sched.Task, dh handle.Handle, timeout time.Duration) (wait.Ready, error) {
	d, err := k.dispatcher(cur, dh, handle.FeatureRead)
	if err != nil {
		return wait.Ready{}, err
	}
	return d.PopWait(cur, timeout)
}

// EventCreate creates a user event with the given initial signal.
func (k *Kernel) EventCreate(cur *sched.Task, signal uint64) (handle.Handle, error) {
	x := newUserEvent(signal)
	h, err := cur.Space().Handles().Insert(x, defaultFeatures)
	if err != nil {
		x.Destroy()
	}
	return h, k.done(cur, "event_create", err)
}

// EventNotify updates the signal of the user event behind h, clearing then
// setting bits. The handle must grant handle.FeatureWrite.
func (k *Kernel) EventNotify(cur *sched.Task, h handle.Handle, clear, set uint64) error {
	return k.done(cur, "event_notify", k.eventNotify(cur, h, clear, set))
}

func (k *Kernel) eventNotify(cur *sched.Task, h handle.Handle, clear, set uint64) error {
	obj, err := cur.Space().Handles().Get(h, handle.FeatureWrite)
	if err != nil {
		return err
	}
	x, ok := obj.(*UserEvent)
	if !ok {
		return fmt.Errorf("%w: %s objects are not user signaled", kerr.ErrInvalidArgument, obj.Kind())
	}
	if x.Destroyed() {
		return fmt.Errorf("%w: event destroyed", kerr.ErrBrokenEvent)
	}
	x.event.With(cur.Binding()).Notify(clear, set)
	return nil
}

// ObjectClone duplicates h, keeping only the features in mask.
func (k *Kernel) ObjectClone(cur *sched.Task, h handle.Handle, mask handle.Feature) (handle.Handle, error) {
	nh, err := cur.Space().Handles().Clone(h, mask)
	return nh, k.done(cur, "object_clone", err)
}

// ObjectDrop removes h. Dropping the last handle to an object destroys it,
// canceling everything waiting on it.
func (k *Kernel) ObjectDrop(cur *sched.Task, h handle.Handle) error {
	return k.done(cur, "object_drop", cur.Space().Handles().Remove(h))
}

// ObjectTransfer moves h into the named space, returning its handle there.
// The handle must grant handle.FeatureSend.
func (k *Kernel) ObjectTransfer(cur *sched.Task, h handle.Handle, space string) (handle.Handle, error) {
	nh, err := cur.Space().Handles().Transfer(h, k.Space(space).Handles())
	return nh, k.done(cur, "object_transfer", err)
}

// IntrCreate claims the interrupt line irq. Its affinity is taken from the
// config, defaulting to every CPU.
func (k *Kernel) IntrCreate(cur *sched.Task, irq uint32) (handle.Handle, error) {
	h, err := k.intrCreate(cur, irq)
	return h, k.done(cur, "intr_create", err)
}

func (k *Kernel) intrCreate(cur *sched.Task, irq uint32) (handle.Handle, error) {
	affinity := k.sched.Online()
	if c, ok := k.config.interrupt(irq); ok && len(c.CPUs) != 0 {
		affinity = cpu.Of(c.CPUs...) & affinity
	}
	x, err := k.router.Register(irq, affinity, nil)
	if err != nil {
		return 0, err
	}
	h, err := cur.Space().Handles().Insert(x, handle.FeatureRead|handle.FeatureWait|handle.FeatureClone)
	if err != nil {
		x.Destroy()
		return 0, err
	}
	return h, nil
}

// IntrWait blocks until the interrupt behind h fires, acknowledges it, and
// returns the time it last fired.
func (k *Kernel) IntrWait(cur *sched.Task, h handle.Handle, timeout time.Duration) (time.Time, error) {
	t, err := k.intrWait(cur, h, timeout)
	return t, k.done(cur, "intr_wait", err)
}

func (k *Kernel) intrWait(cur *sched.Task, h handle.Handle, timeout time.Duration) (time.Time, error) {
	event, obj, err := cur.Space().Handles().Event(h, handle.FeatureWait)
	if err != nil {
		return time.Time{}, err
	}
	x, ok := obj.(*intr.Interrupt)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s handle is not an interrupt", kerr.ErrInvalidArgument, obj.Kind())
	}
	b := wait.NewBlockerFor(cur, event, true, ipc.SigGeneric)
	b.SetReason(fmt.Sprintf("irq %d", x.IRQ()))
	err = b.Wait(cur, timeout)
	b.Detach()
	if err != nil {
		return time.Time{}, err
	}
	ackInterrupt(x)
	return x.LastTime(), nil
}

// ackInterrupt clears the interrupt's pending signal, returning the last
// fire time in Unix nanoseconds.
func ackInterrupt(x *intr.Interrupt) uint64 {
	x.Event().Notify(ipc.SigGeneric, 0)
	last := x.LastTime()
	if last.IsZero() {
		return 0
	}
	return uint64(last.UnixNano())
}

// TaskSpawn starts a task in the caller's space, returning a handle to it.
// The handle is waitable, raising ipc.SigRead once the task has exited.
func (k *Kernel) TaskSpawn(cur *sched.Task, name string, affinity cpu.Mask, fn func(t *sched.Task) uint64) (handle.Handle, error) {
	h, err := k.taskSpawn(cur, name, affinity, fn)
	return h, k.done(cur, "task_spawn", err)
}

func (k *Kernel) taskSpawn(cur *sched.Task, name string, affinity cpu.Mask, fn func(t *sched.Task) uint64) (handle.Handle, error) {
	t, err := k.sched.Spawn(name, cur.Space(), affinity, fn)
	if err != nil {
		return 0, err
	}
	return cur.Space().Handles().Insert(t, defaultFeatures)
}

func (k *Kernel) task(cur *sched.Task, h handle.Handle, required handle.Feature) (*sched.Task, error) {
	obj, err := cur.Space().Handles().Get(h, required)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*sched.Task)
	if !ok {
		return nil, fmt.Errorf("%w: %s handle is not a task", kerr.ErrInvalidArgument, obj.Kind())
	}
	return t, nil
}

// TaskJoin waits for the task behind h to exit, returning its exit value.
func (k *Kernel) TaskJoin(cur *sched.Task, h handle.Handle, timeout time.Duration) (uint64, error) {
	v, err := k.taskJoin(cur, h, timeout)
	return v, k.done(cur, "task_join", err)
}

func (k *Kernel) taskJoin(cur *sched.Task, h handle.Handle, timeout time.Duration) (uint64, error) {
	t, err := k.task(cur, h, handle.FeatureWait)
	if err != nil {
		return 0, err
	}
	return cur.Join(t, timeout)
}

// TaskSleep suspends the caller for d.
func (k *Kernel) TaskSleep(cur *sched.Task, d time.Duration) error {
	cur.Sleep(d)
	return k.done(cur, "task_sleep", nil)
}

// TaskKill kills the task behind h, which must grant handle.FeatureWrite.
// A wait the task is blocked in fails with kerr.ErrKilled, and the task exits
// with kerr.EKILLED at its next kernel entry.
func (k *Kernel) TaskKill(cur *sched.Task, h handle.Handle) error {
	t, err := k.task(cur, h, handle.FeatureWrite)
	if err == nil {
		t.Kill()
	}
	return k.done(cur, "task_kill", err)
}
