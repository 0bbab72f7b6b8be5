package sched

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-microkernel/kerr"
)

// cpuState is one CPU: a loop granting its queued tasks the run permit, one
// at a time. Only the loop touches runq and current.
type cpuState struct {
	s     *Scheduler
	inbox *inbox
	runq  *queue.Queue // of *Task, each Ready
	id    int

	current *Task
	since   time.Time
	timer   *time.Timer

	// load is queued tasks plus the running task, read by selectCPU
	load     atomic.Int32
	curTid   atomic.Uint32
	switches atomic.Uint64
}

func newCPUState(s *Scheduler, id int) *cpuState {
	return &cpuState{
		s:     s,
		inbox: newInbox(),
		runq:  queue.New(),
		id:    id,
	}
}

func (c *cpuState) info() CPUInfo {
	return CPUInfo{
		ID:       c.id,
		Current:  c.curTid.Load(),
		Load:     c.load.Load(),
		Switches: c.switches.Load(),
	}
}

func (c *cpuState) run() error {
	var sliceC <-chan time.Time
	terminating := c.s.terminating
	for {
		if c.current == nil {
			if c.s.state.Load() == StateTerminating && c.s.live.Load() == 0 {
				return nil
			}
			if c.runq.Length() != 0 {
				sliceC = c.dispatch(c.runq.Remove().(*Task))
			}
		}

		select {
		case <-c.inbox.ready:
			for _, m := range c.inbox.drain() {
				c.handle(m)
			}
			if c.current == nil {
				sliceC = nil
			}

		case <-sliceC:
			sliceC = nil
			c.current.markResched()

		case <-terminating:
			terminating = nil
		}
	}
}

// dispatch switches to t, granting it the run permit for one slice.
func (c *cpuState) dispatch(t *Task) <-chan time.Time {
	now := time.Now()

	t.mu.Lock()
	ready, ok := t.state.(*Ready)
	if !ok {
		t.mu.Unlock()
		_ = kerr.Violation("cpu.dispatch", fmt.Sprintf("task %s is %s, not ready", t.ctx.tid, stateName(t.state)))
		return nil
	}
	ctx := ready.ctx
	ctx.cpu = c.id
	ctx.running = RunningSince(now)
	t.cpu = c.id
	// install the next task's frame, restoring extended state it owns
	ctx.kstack.install(c.id)
	if ctx.ext.used && c.s.fpu != nil {
		c.s.fpu.Restore(c.id, ctx.ext.buf)
	}
	slice := ready.slice
	t.mu.Unlock()

	c.current, c.since = t, now
	c.curTid.Store(uint32(ctx.tid))
	c.switches.Add(1)
	c.timer = time.NewTimer(slice)

	t.resume <- struct{}{}

	return c.timer.C
}

// release takes the permit back from the running task.
func (c *cpuState) release(t *Task, now time.Time) {
	t.mu.Lock()
	ctx := t.ctx
	ctx.runtime += now.Sub(c.since)
	ctx.running = NotRunning()
	ctx.kstack.save(c.id)
	if ctx.ext.used && c.s.fpu != nil {
		c.s.fpu.Save(c.id, ctx.ext.buf)
	}
	t.mu.Unlock()

	c.timer.Stop()
	c.current, c.timer = nil, nil
	c.curTid.Store(0)
}

func (c *cpuState) handle(m message) {
	t := m.task
	switch m.kind {
	case msgSpawn:
		t.mu.Lock()
		t.state = t.state.(*Init).IntoReady(c.id, c.s.slice)
		t.mu.Unlock()
		c.runq.Add(t)

	case msgWake:
		t.mu.Lock()
		blocked, ok := t.state.(*Blocked)
		if !ok {
			t.mu.Unlock()
			_ = kerr.Violation("cpu.wake", fmt.Sprintf("task %s is %s, not blocked", t.ctx.tid, stateName(t.state)))
			return
		}
		target, _ := c.s.selectCPU(blocked.ctx.affinity, c.id)
		t.state = blocked.IntoReady(target, c.s.slice)
		t.cpu = target
		t.mu.Unlock()
		c.s.cpus[target].load.Add(1)
		c.enqueue(t, target)

	case msgMigrate:
		c.runq.Add(t)

	case msgKick:

	case msgYield, msgBlock, msgExit:
		if t != c.current {
			_ = kerr.Violation("cpu."+m.kind.String(), fmt.Sprintf("task %s does not hold cpu %d", t.ctx.tid, c.id))
			return
		}
		c.release(t, time.Now())
		switch m.kind {
		case msgYield:
			t.mu.Lock()
			target, _ := c.s.selectCPU(t.ctx.affinity, c.id)
			t.ctx.cpu, t.cpu = target, target
			t.mu.Unlock()
			if target != c.id {
				c.load.Add(-1)
				c.s.cpus[target].load.Add(1)
			}
			c.enqueue(t, target)

		case msgBlock:
			t.mu.Lock()
			t.state = t.state.(*Ready).Block(m.reason)
			t.mu.Unlock()
			c.load.Add(-1)

		case msgExit:
			c.s.forget(t)
			t.mu.Lock()
			ready := t.state.(*Ready)
			t.state = nil
			ready.Exit(m.retval)
			t.mu.Unlock()
			c.load.Add(-1)
			c.s.taskExited(t)
		}
	}
}

func (c *cpuState) enqueue(t *Task, target int) {
	if target == c.id {
		c.runq.Add(t)
	} else {
		c.s.cpus[target].inbox.post(message{kind: msgMigrate, task: t})
	}
}

func stateName(state any) string {
	switch state.(type) {
	case *Init:
		return "init"
	case *Ready:
		return "ready"
	case *Blocked:
		return "blocked"
	case nil:
		return "exited"
	default:
		return "unknown"
	}
}
