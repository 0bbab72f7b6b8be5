package sched

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
)

type runKind uint8

const (
	runNotRunning runKind = iota
	runNeedResched
	runRunning
)

// RunningState is whether a Ready task is on a CPU: not running, running
// since some instant, or running but due to yield.
type RunningState struct {
	since time.Time
	kind  runKind
}

// NotRunning is the RunningState of a task off-CPU.
func NotRunning() RunningState { return RunningState{} }

// NeedResched is the RunningState of a running task whose slice expired.
func NeedResched() RunningState { return RunningState{kind: runNeedResched} }

// RunningSince is the RunningState of a task that started running at since.
func RunningSince(since time.Time) RunningState {
	return RunningState{kind: runRunning, since: since}
}

// Running returns the start time, if the task is running without a pending
// reschedule.
func (s RunningState) Running() (since time.Time, ok bool) {
	return s.since, s.kind == runRunning
}

// NeedsResched reports whether the task should yield at its next chance.
func (s RunningState) NeedsResched() bool { return s.kind == runNeedResched }

// OnCPU reports whether the task is running, rescheduling or not.
func (s RunningState) OnCPU() bool { return s.kind != runNotRunning }

func (s RunningState) String() string {
	switch s.kind {
	case runNotRunning:
		return "not-running"
	case runNeedResched:
		return "need-resched"
	default:
		return "running-since(" + s.since.Format(time.RFC3339Nano) + ")"
	}
}

// Context is everything a task owns. It moves between state values by
// pointer, never copied.
type Context struct {
	tid      Tid
	name     string
	space    *Space
	kstack   *Kstack
	ext      *ExtFrame
	affinity cpu.Mask
	cpu      int
	runtime  time.Duration
	running  RunningState
	ret      *ipc.Cell[uint64]
	tids     *Tids
	reclaim  func(*Context)
}

// NewContext assembles a task context. The tid must have been allocated from
// tids, which Exit frees it back to. The return value cell is published by
// Exit, and reclaim receives the context for deferred freeing; either may be
// nil.
func NewContext(tid Tid, tids *Tids, name string, space *Space, kstack *Kstack, affinity cpu.Mask, ret *ipc.Cell[uint64], reclaim func(*Context)) *Context {
	if ret == nil {
		ret = new(ipc.Cell[uint64])
	}
	return &Context{
		tid:      tid,
		tids:     tids,
		name:     name,
		space:    space,
		kstack:   kstack,
		ext:      new(ExtFrame),
		affinity: affinity,
		cpu:      -1,
		ret:      ret,
		reclaim:  reclaim,
	}
}

func (c *Context) Tid() Tid                  { return c.tid }
func (c *Context) Name() string              { return c.name }
func (c *Context) Space() *Space             { return c.space }
func (c *Context) Kstack() *Kstack           { return c.kstack }
func (c *Context) ExtFrame() *ExtFrame       { return c.ext }
func (c *Context) Affinity() cpu.Mask        { return c.affinity }
func (c *Context) CPU() int                  { return c.cpu }
func (c *Context) Runtime() time.Duration    { return c.runtime }
func (c *Context) Running() RunningState     { return c.running }
func (c *Context) Return() *ipc.Cell[uint64] { return c.ret }

// Init is a constructed task that has never been runnable.
type Init struct{ ctx *Context }

// Ready is a runnable task, queued or running, with a time slice budget.
type Ready struct {
	ctx   *Context
	slice time.Duration
}

// Blocked is a descheduled task, with the reason it blocked.
type Blocked struct {
	ctx    *Context
	reason string
}

// NewInit wraps ctx in the Init state.
func NewInit(ctx *Context) *Init { return &Init{ctx: ctx} }

// take moves the context out of a state value. A consumed value is a
// contract violation.
func take(p **Context, op string) *Context {
	ctx := *p
	if ctx == nil {
		_ = kerr.Violation(op, "task state already consumed")
		return nil
	}
	*p = nil
	return ctx
}

func intoReady(ctx *Context, cpu int, slice time.Duration, op string) *Ready {
	if !ctx.affinity.Has(cpu) {
		if err := kerr.Violation(op, fmt.Sprintf("cpu %d not in affinity %s", cpu, ctx.affinity)); err != nil {
			cpu = ctx.affinity.First()
		}
	}
	ctx.cpu = cpu
	ctx.running = NotRunning()
	return &Ready{ctx: ctx, slice: slice}
}

// IntoReady consumes the Init, assigning the task to cpu.
func (x *Init) IntoReady(cpu int, slice time.Duration) *Ready {
	ctx := take(&x.ctx, "Init.IntoReady")
	if ctx == nil {
		return nil
	}
	return intoReady(ctx, cpu, slice, "Init.IntoReady")
}

// Context returns the owned context, or nil if consumed.
func (x *Init) Context() *Context { return x.ctx }

// Block consumes the Ready. The task must not be on a CPU.
func (x *Ready) Block(reason string) *Blocked {
	ctx := take(&x.ctx, "Ready.Block")
	if ctx == nil {
		return nil
	}
	if ctx.running.OnCPU() {
		_ = kerr.Violation("Ready.Block", "task is still running")
		ctx.running = NotRunning()
	}
	return &Blocked{ctx: ctx, reason: reason}
}

// Exit consumes the Ready, ending the task: the tid is freed, retval is
// published to the return cell, and the context is handed to the reclaimer.
func (x *Ready) Exit(retval uint64) {
	ctx := take(&x.ctx, "Ready.Exit")
	if ctx == nil {
		return
	}
	ctx.running = NotRunning()
	if ctx.tids != nil {
		ctx.tids.Free(ctx.tid)
	}
	ctx.ret.Set(retval)
	if ctx.reclaim != nil {
		ctx.reclaim(ctx)
	}
}

// Slice returns the time slice budget.
func (x *Ready) Slice() time.Duration { return x.slice }

// Context returns the owned context, or nil if consumed.
func (x *Ready) Context() *Context { return x.ctx }

// IntoReady consumes the Blocked, assigning the task to cpu.
func (x *Blocked) IntoReady(cpu int, slice time.Duration) *Ready {
	ctx := take(&x.ctx, "Blocked.IntoReady")
	if ctx == nil {
		return nil
	}
	return intoReady(ctx, cpu, slice, "Blocked.IntoReady")
}

// Reason returns the block reason.
func (x *Blocked) Reason() string { return x.reason }

// Context returns the owned context, or nil if consumed.
func (x *Blocked) Context() *Context { return x.ctx }
