package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-microkernel/kerr"
)

// DefaultStackSize is the kernel stack size used unless configured.
const DefaultStackSize = 16 << 10

// StackAllocator provides kernel stack backing memory. Implementations are
// external, and must be safe for concurrent use.
type StackAllocator interface {
	Alloc(size int) ([]byte, error)
	Free(mem []byte)
}

// HeapStacks allocates stacks from the Go heap, counting live stacks.
type HeapStacks struct {
	live atomic.Int64
}

// Alloc implements StackAllocator.
func (x *HeapStacks) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: stack size %d", kerr.ErrInvalidArgument, size)
	}
	x.live.Add(1)
	return make([]byte, size), nil
}

// Free implements StackAllocator.
func (x *HeapStacks) Free([]byte) { x.live.Add(-1) }

// Live returns the number of allocated, unfreed stacks.
func (x *HeapStacks) Live() int64 { return x.live.Load() }

// Frame is the minimal register set saved at the top of a kernel stack on
// each switch away from its task, and installed on each switch back.
type Frame struct {
	// CPU is the CPU the frame was last saved or installed on.
	CPU int
	// Saves and Installs count switches out and in.
	Saves    uint64
	Installs uint64
}

// Kstack is a task's kernel stack region, with its reserved frame.
type Kstack struct {
	mem   []byte
	frame Frame
}

// NewKstack allocates a kernel stack of size bytes from alloc.
func NewKstack(alloc StackAllocator, size int) (*Kstack, error) {
	mem, err := alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &Kstack{mem: mem}, nil
}

// Size returns the stack size.
func (x *Kstack) Size() int { return len(x.mem) }

// Frame returns a copy of the reserved frame.
func (x *Kstack) Frame() Frame { return x.frame }

func (x *Kstack) save(cpu int) {
	x.frame.CPU = cpu
	x.frame.Saves++
}

func (x *Kstack) install(cpu int) {
	x.frame.CPU = cpu
	x.frame.Installs++
}

func (x *Kstack) free(alloc StackAllocator) {
	if x.mem != nil {
		alloc.Free(x.mem)
		x.mem = nil
	}
}

// FPU saves and restores extended register state. Implementations are
// external; buf is sized by Size.
type FPU interface {
	Size() int
	Save(cpu int, buf []byte)
	Restore(cpu int, buf []byte)
}

// ExtFrame is a task's extended register state buffer, allocated on first
// use.
type ExtFrame struct {
	buf  []byte
	used bool
}

// Used reports whether the task has used extended registers.
func (x *ExtFrame) Used() bool { return x.used }

// Bytes returns the saved state, nil until first use.
func (x *ExtFrame) Bytes() []byte { return x.buf }

func (x *ExtFrame) use(fpu FPU) {
	if x.used {
		return
	}
	x.used = true
	if fpu != nil {
		x.buf = make([]byte, fpu.Size())
	}
}
