package sched

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/handle"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/wait"
)

// Task is a schedulable execution context: a goroutine that runs only while
// holding its CPU's permit.
//
// Methods that may suspend (Park, Yield, Sleep, Join, CheckPreempt) are
// kernel entries. They must be called by the task itself, with preemption
// enabled, and are where a pending Kill takes effect.
type Task struct {
	handle.Ref

	s      *Scheduler
	fn     func(t *Task) uint64
	ctx    *Context
	resume chan struct{}

	binding *cpu.Binding // owned by the task goroutine
	killed  atomic.Bool

	mu     sync.Mutex
	state  any // *Init, *Ready, *Blocked, or nil once exited
	cpu    int
	parked bool
	token  bool
}

var (
	_ wait.BoundParker = (*Task)(nil)
	_ handle.Object    = (*Task)(nil)
	_ ipc.Waitable     = (*Task)(nil)
)

// Kind implements handle.Object.
func (*Task) Kind() string { return "task" }

// Event returns the Event of the task's return value cell, which raises
// ipc.SigRead once the task has exited.
func (t *Task) Event() *ipc.Event { return t.ctx.ret.Event() }

func (t *Task) Tid() Tid           { return t.ctx.tid }
func (t *Task) Name() string       { return t.ctx.name }
func (t *Task) Space() *Space      { return t.ctx.space }
func (t *Task) Affinity() cpu.Mask { return t.ctx.affinity }

// ExitValue returns the task's exit value, once it has exited.
func (t *Task) ExitValue() (uint64, bool) { return t.ctx.ret.Get() }

// Binding returns the task's binding to the CPU it is running on. It is only
// meaningful to the task itself, and changes each time the task resumes.
func (t *Task) Binding() *cpu.Binding { return t.binding }

// Killed reports whether Kill has been called.
func (t *Task) Killed() bool { return t.killed.Load() }

// Info returns a diagnostic view of the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{
		Tid:     uint32(t.ctx.tid),
		Name:    t.ctx.name,
		Space:   t.ctx.space.name,
		State:   stateName(t.state),
		Running: t.ctx.running.String(),
		CPU:     t.ctx.cpu,
		Runtime: t.ctx.runtime,
		Killed:  t.killed.Load(),
	}
	if b, ok := t.state.(*Blocked); ok {
		info.Reason = b.reason
	}
	return info
}

// main is the task goroutine.
func (t *Task) main() {
	t.await()

	retval := uint64(kerr.EKILLED)
	defer func() {
		if r := recover(); r != nil {
			t.s.logger.Err().
				Str("task", t.ctx.name).
				Uint64("tid", uint64(t.ctx.tid)).
				Str("panic", fmt.Sprint(r)).
				Log("task panicked")
			retval = uint64(kerr.EFAULT)
		}
		t.finish(retval)
	}()

	t.enter()
	retval = t.fn(t)
	if t.killed.Load() {
		retval = uint64(kerr.EKILLED)
	}
}

// await blocks for the run permit, binding the goroutine to its CPU.
func (t *Task) await() {
	<-t.resume
	t.mu.Lock()
	c := t.cpu
	t.mu.Unlock()
	t.binding = cpu.Preemption.Bind(c)
}

// giveUpLocked posts m to the CPU holding the permit, unbinding first. The caller
// holds t.mu.
func (t *Task) giveUpLocked(m message) {
	if n := t.binding.Count(); n != 0 {
		// unreachable via enter, but finish may run with guards leaked
		t.s.logger.Warning().
			Uint64("tid", uint64(t.ctx.tid)).
			Int64("depth", int64(n)).
			Log("task left cpu with preemption disabled")
	}
	t.binding.Release()
	t.binding = nil
	m.task = t
	t.s.cpus[t.cpu].inbox.post(m)
}

func (t *Task) finish(retval uint64) {
	t.mu.Lock()
	t.giveUpLocked(message{kind: msgExit, retval: retval})
	t.mu.Unlock()
}

// check is the check at each kernel entry, returning kerr.ErrKilled once
// Kill has been called.
func (t *Task) check() error {
	if t.binding == nil || cpu.Preemption.Current() != t.binding {
		// never recoverable: the caller isn't the task
		err := kerr.Violation("Task.enter", fmt.Sprintf("task %s entered from a foreign goroutine", t.ctx.tid))
		panic(err)
	}
	if t.binding.Count() != 0 {
		_ = kerr.Violation("Task.enter", "suspending with preemption disabled")
	}
	if t.killed.Load() {
		return kerr.ErrKilled
	}
	return nil
}

// enter runs check where the task holds nothing it must release, exiting the
// task if it was killed.
func (t *Task) enter() {
	if t.check() != nil {
		runtime.Goexit()
	}
}

// Park blocks the task until Unpark, consuming the pending token if there is
// one. It implements wait.Parker.
//
// A killed task does not exit inside Park. Park returns kerr.ErrKilled
// instead, before or after suspending, so the caller can unregister
// whatever it was waiting on.
func (t *Task) Park(reason string) error {
	if err := t.check(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.token {
		t.token = false
		t.mu.Unlock()
		return nil
	}
	t.parked = true
	t.giveUpLocked(message{kind: msgBlock, reason: reason})
	t.mu.Unlock()

	t.await()
	return t.check()
}

// Unpark wakes the task if it is parked, otherwise leaves it a token. It is
// safe to call from any goroutine, including under an Event's lock.
func (t *Task) Unpark() {
	t.mu.Lock()
	if !t.parked {
		t.token = true
		t.mu.Unlock()
		return
	}
	t.parked = false
	c := t.cpu
	t.mu.Unlock()
	t.s.cpus[c].inbox.post(message{kind: msgWake, task: t})
}

// Yield gives up the CPU, staying ready.
func (t *Task) Yield() {
	t.enter()
	t.mu.Lock()
	t.giveUpLocked(message{kind: msgYield})
	t.mu.Unlock()
	t.await()
	t.enter()
}

// CheckPreempt yields if the task's time slice has expired, unless
// preemption is disabled.
func (t *Task) CheckPreempt() {
	if t.binding != nil && t.binding.Count() != 0 {
		return
	}
	t.mu.Lock()
	resched := t.ctx.running.NeedsResched()
	t.mu.Unlock()
	if resched {
		t.Yield()
	} else {
		t.enter()
	}
}

func (t *Task) markResched() {
	t.mu.Lock()
	if t.ctx.running.OnCPU() {
		t.ctx.running = NeedResched()
	}
	t.mu.Unlock()
}

// Sleep blocks the task for d.
func (t *Task) Sleep(d time.Duration) {
	if d <= 0 {
		t.Yield()
		return
	}
	b := wait.NewBlockerFor(t, new(ipc.Event), true, ipc.SigTimer)
	b.SetReason("sleep")
	err := b.Wait(t, d)
	b.Detach()
	if errors.Is(err, kerr.ErrKilled) {
		runtime.Goexit()
	}
}

// Join waits for other to exit, returning its exit value. See
// wait.Blocker.Wait for the timeout semantics, and kerr.ErrKilled.
func (t *Task) Join(other *Task, timeout time.Duration) (uint64, error) {
	if other == t {
		return 0, fmt.Errorf("%w: task cannot join itself", kerr.ErrInvalidArgument)
	}
	b := wait.NewBlockerFor(t, other.Event(), true, ipc.SigRead)
	b.SetReason("join " + other.ctx.tid.String())
	err := b.Wait(t, timeout)
	b.Detach()
	if err != nil {
		return 0, err
	}
	v, _ := other.ExitValue()
	return v, nil
}

// Kill asks the task to exit. A wait in progress is woken and fails with
// kerr.ErrKilled. The task exits with kerr.EKILLED at its next kernel entry,
// or when its func returns.
func (t *Task) Kill() {
	if t.killed.Swap(true) {
		return
	}
	t.Unpark()
}

// UseFPU marks the task as using extended registers, which are then saved
// and restored on its context switches.
func (t *Task) UseFPU() {
	t.mu.Lock()
	t.ctx.ext.use(t.s.fpu)
	t.mu.Unlock()
}

// CPU returns the CPU the task is assigned to.
func (t *Task) CPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpu
}

// Runtime returns the task's accumulated time on CPU, up to its last switch.
func (t *Task) Runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx.runtime
}

// Frame returns a copy of the task's saved kernel stack frame.
func (t *Task) Frame() Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx.kstack.frame
}
