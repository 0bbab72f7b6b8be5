// Package intr routes hardware interrupt lines to kernel Events.
//
// Programming the interrupt controller is external, abstracted by Chip. The
// Router only sequences it: ack, run the line's Handler, then EOI.
package intr

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/handle"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/logiface"
)

// Handler is invoked each time an interrupt fires.
type Handler func(x *Interrupt)

// Chip programs the interrupt controller. Implementations are external.
type Chip interface {
	Mask(irq uint32)
	Unmask(irq uint32)
	Ack(irq uint32)
	EOI(irq uint32)
}

// Interrupt is one registered interrupt line. Its Event raises
// ipc.SigGeneric when the line fires, under NotifyHandler.
type Interrupt struct {
	handle.Ref

	event    ipc.Event
	irq      uint32
	affinity cpu.Mask
	handler  Handler
	last     atomic.Int64
	count    atomic.Uint64
}

var (
	_ handle.Object = (*Interrupt)(nil)
	_ ipc.Waitable  = (*Interrupt)(nil)
)

// Kind implements handle.Object.
func (*Interrupt) Kind() string { return "interrupt" }

// Event returns the interrupt's Event.
func (x *Interrupt) Event() *ipc.Event { return &x.event }

// IRQ returns the hardware line number.
func (x *Interrupt) IRQ() uint32 { return x.irq }

// Affinity returns the CPUs the line may be delivered to.
func (x *Interrupt) Affinity() cpu.Mask { return x.affinity }

// LastTime returns the time the line last fired under NotifyHandler, or the
// zero time.
func (x *Interrupt) LastTime() time.Time {
	if v := x.last.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

// Count returns the number of times the line has fired.
func (x *Interrupt) Count() uint64 { return x.count.Load() }

// NotifyHandler is the default Handler: it records the fire time, then
// raises ipc.SigGeneric.
func NotifyHandler(x *Interrupt) {
	x.last.Store(time.Now().UnixNano())
	x.event.Notify(0, ipc.SigGeneric)
}

// Router owns the registered lines of one interrupt controller.
type Router struct {
	chip   Chip
	logger *logiface.Logger[logiface.Event]
	mu     sync.RWMutex
	lines  map[uint32]*Interrupt
}

// NewRouter returns a Router driving chip. The logger may be nil.
func NewRouter(chip Chip, logger *logiface.Logger[logiface.Event]) *Router {
	return &Router{
		chip:   chip,
		logger: logger,
		lines:  make(map[uint32]*Interrupt),
	}
}

// Register claims irq, unmasking it. A nil handler means NotifyHandler.
// Destroying the returned Interrupt masks and releases the line.
func (r *Router) Register(irq uint32, affinity cpu.Mask, handler Handler) (*Interrupt, error) {
	if affinity.Empty() {
		return nil, fmt.Errorf("%w: empty interrupt affinity", kerr.ErrInvalidArgument)
	}
	if handler == nil {
		handler = NotifyHandler
	}
	x := &Interrupt{
		irq:      irq,
		affinity: affinity,
		handler:  handler,
	}
	x.OnDestroy(func() { r.unregister(x) })

	r.mu.Lock()
	if _, ok := r.lines[irq]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: irq %d already registered", kerr.ErrInvalidArgument, irq)
	}
	r.lines[irq] = x
	r.mu.Unlock()

	r.chip.Unmask(irq)
	r.logger.Debug().
		Int64("irq", int64(irq)).
		Stringer("affinity", affinity).
		Log("interrupt registered")
	return x, nil
}

func (r *Router) unregister(x *Interrupt) {
	r.mu.Lock()
	if r.lines[x.irq] == x {
		delete(r.lines, x.irq)
		r.chip.Mask(x.irq)
	}
	r.mu.Unlock()
	x.event.Close()
}

// Lookup returns the Interrupt registered for irq.
func (r *Router) Lookup(irq uint32) (*Interrupt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	x, ok := r.lines[irq]
	return x, ok
}

// Fire delivers irq: ack, handler, EOI. A line with no registration is
// acknowledged and masked, failing with kerr.ErrNotFound.
func (r *Router) Fire(irq uint32) error {
	x, ok := r.Lookup(irq)
	r.chip.Ack(irq)
	if !ok {
		r.chip.Mask(irq)
		r.chip.EOI(irq)
		r.logger.Warning().
			Int64("irq", int64(irq)).
			Log("spurious interrupt, line masked")
		return fmt.Errorf("%w: irq %d", kerr.ErrNotFound, irq)
	}
	// handlers run as if in interrupt context
	cpu.Preemption.Scope(func() {
		x.count.Add(1)
		x.handler(x)
	})
	r.chip.EOI(irq)
	return nil
}

// Close destroys every registered line.
func (r *Router) Close() {
	r.mu.RLock()
	lines := make([]*Interrupt, 0, len(r.lines))
	for _, x := range r.lines {
		lines = append(lines, x)
	}
	r.mu.RUnlock()
	for _, x := range lines {
		x.Destroy()
	}
}
