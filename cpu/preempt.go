package cpu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Preempt tracks the preemption-disabled depth of whatever runs on each CPU.
//
// A goroutine that executes on behalf of a CPU (a task holding its CPU's
// permit) is bound with Bind. Lock and Scope on a bound goroutine nest a
// counter that the scheduler consults before switching away. Goroutines that
// are not bound, e.g. interrupt routing or external producers, are never
// preempted by the scheduler, so Lock is a no-op for them.
type Preempt struct {
	bindings sync.Map // goroutine id -> *Binding
	bound    atomic.Int64
}

// Binding associates one goroutine with one CPU.
type Binding struct {
	cpu   int
	count atomic.Int32
	gid   uint64
	owner *Preempt
}

// Guard is returned by Preempt.Lock, and must be released exactly once.
type Guard struct {
	b *Binding
}

// Preemption is the process-wide preemption state, shared by every Event and
// scheduler in the process.
var Preemption = new(Preempt)

// Bind binds the calling goroutine to cpu, until Release is called on the
// returned Binding. Rebinding an already bound goroutine replaces the binding.
func (x *Preempt) Bind(cpu int) *Binding {
	b := &Binding{cpu: cpu, gid: goroutineID(), owner: x}
	if _, loaded := x.bindings.Swap(b.gid, b); !loaded {
		x.bound.Add(1)
	}
	return b
}

// Release unbinds the goroutine. It is safe to call more than once.
func (b *Binding) Release() {
	if b == nil || b.owner == nil {
		return
	}
	if b.owner.bindings.CompareAndDelete(b.gid, b) {
		b.owner.bound.Add(-1)
	}
}

// CPU returns the bound CPU index.
func (b *Binding) CPU() int { return b.cpu }

// Count returns the current preemption-disabled depth.
func (b *Binding) Count() int32 { return b.count.Load() }

// Current returns the binding of the calling goroutine, or nil.
func (x *Preempt) Current() *Binding {
	if x.bound.Load() == 0 {
		return nil
	}
	if v, ok := x.bindings.Load(goroutineID()); ok {
		return v.(*Binding)
	}
	return nil
}

// Lock disables preemption on the calling goroutine's CPU. It looks the
// goroutine's binding up, so callers that hold their Binding should use
// Binding.Lock instead.
func (x *Preempt) Lock() Guard { return x.Current().Lock() }

// Lock disables preemption on b's CPU. It must be called by b's goroutine. A
// nil Binding stands for an unbound goroutine, and returns a no-op Guard.
func (b *Binding) Lock() Guard {
	if b != nil {
		b.count.Add(1)
	}
	return Guard{b: b}
}

// Unlock re-enables preemption, if this guard disabled it.
func (g Guard) Unlock() {
	if g.b != nil {
		if g.b.count.Add(-1) < 0 {
			panic("cpu: preemption counter underflow")
		}
	}
}

// Scope runs fn with preemption disabled.
func (x *Preempt) Scope(fn func()) {
	g := x.Lock()
	defer g.Unlock()
	fn()
}

// Disabled reports whether preemption is disabled for the calling goroutine.
func (x *Preempt) Disabled() bool {
	b := x.Current()
	return b != nil && b.count.Load() > 0
}

// goroutineID returns the current goroutine's ID, parsed from the stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
