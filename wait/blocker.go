package wait

import (
	"sync"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
)

// Forever disables the timeout of a wait.
const Forever time.Duration = -1

type blockerOutcome uint8

const (
	outcomePending blockerOutcome = iota
	outcomeMatched
	outcomeCanceled
	outcomeTimedOut
	outcomeAbandoned
)

// Blocker is a single-use waiter that parks exactly one caller until its
// Event matches, the Event is canceled, or the wait times out.
//
// The lifecycle is NewBlocker, Wait, then exactly one Detach.
type Blocker struct {
	event  *ipc.Event
	data   ipc.WaiterData
	reason string

	mu       sync.Mutex
	parker   Parker // set while a Wait is parked
	outcome  blockerOutcome
	signal   uint64
	detached bool
}

var _ ipc.Waiter = (*Blocker)(nil)

// NewBlocker registers a new Blocker against event. With wakeAll the Blocker
// is level-triggered, and resolves immediately if every bit of signal is
// already set. Otherwise it is edge-triggered, and only a later Notify can
// resolve it.
func NewBlocker(event *ipc.Event, wakeAll bool, signal uint64) *Blocker {
	b := newBlocker(event, wakeAll, signal)
	event.Wait(b)
	return b
}

// NewBlockerFor is NewBlocker, called from the context parker suspends, which
// is usually the one that will Wait.
func NewBlockerFor(parker Parker, event *ipc.Event, wakeAll bool, signal uint64) *Blocker {
	b := newBlocker(event, wakeAll, signal)
	eventFor(event, parker).Wait(b)
	return b
}

func newBlocker(event *ipc.Event, wakeAll bool, signal uint64) *Blocker {
	mode := ipc.Edge
	if wakeAll {
		mode = ipc.Level
	}
	return &Blocker{
		event:  event,
		data:   ipc.NewWaiterData(mode, signal),
		reason: "event wait",
	}
}

// eventFor returns event as operated on from parker's context.
func eventFor(event *ipc.Event, parker Parker) ipc.Bound {
	if p, ok := parker.(BoundParker); ok {
		return event.With(p.Binding())
	}
	return event.With(cpu.Preemption.Current())
}

// SetReason sets the block reason passed to Parker.Park.
func (b *Blocker) SetReason(reason string) {
	b.mu.Lock()
	b.reason = reason
	b.mu.Unlock()
}

// WaiterData implements ipc.Waiter.
func (b *Blocker) WaiterData() ipc.WaiterData { return b.data }

// OnNotify implements ipc.Waiter.
func (b *Blocker) OnNotify(signal uint64) { b.resolve(outcomeMatched, signal) }

// OnCancel implements ipc.Waiter.
func (b *Blocker) OnCancel(_ *ipc.Event, signal uint64) { b.resolve(outcomeCanceled, signal) }

// resolve records the first outcome, and wakes a parked Wait.
func (b *Blocker) resolve(outcome blockerOutcome, signal uint64) {
	b.mu.Lock()
	if b.outcome != outcomePending {
		b.mu.Unlock()
		return
	}
	b.outcome, b.signal = outcome, signal
	parker := b.parker
	b.mu.Unlock()
	if parker != nil {
		parker.Unpark()
	}
}

// timeout unregisters the Blocker, resolving it as timed out only if it was
// still registered. Losing the race to Notify or Cancel leaves their outcome.
func (b *Blocker) timeout(event ipc.Bound) {
	if found, signal := event.Unwait(b); found {
		b.resolve(outcomeTimedOut, signal)
	}
}

// Wait suspends on parker until the Blocker resolves. A timeout of zero polls,
// and a negative timeout (see Forever) waits without limit.
//
// The returned error is nil on a match, kerr.ErrTimedOut on timeout, and
// kerr.ErrBrokenEvent if the Event was canceled. If parker fails, e.g. with
// kerr.ErrKilled, the Blocker is unregistered and resolved before that error
// is returned, whatever outcome it raced with.
func (b *Blocker) Wait(parker Parker, timeout time.Duration) error {
	if timeout == 0 {
		b.timeout(eventFor(b.event, parker))
	}

	var parkErr error
	b.mu.Lock()
	if b.outcome == outcomePending {
		var timer *time.Timer
		if timeout > 0 {
			// timer goroutines are never bound
			timer = time.AfterFunc(timeout, func() { b.timeout(b.event.With(nil)) })
		}
		b.parker = parker
		reason := b.reason
		for b.outcome == outcomePending && parkErr == nil {
			b.mu.Unlock()
			parkErr = parker.Park(reason)
			b.mu.Lock()
		}
		b.parker = nil
		if timer != nil {
			timer.Stop()
		}
	}
	outcome := b.outcome
	b.mu.Unlock()

	if parkErr != nil {
		// resolved after parking, as a task rebinds each time it resumes
		b.abandon(eventFor(b.event, parker))
		return parkErr
	}

	switch outcome {
	case outcomeMatched:
		return nil
	case outcomeCanceled:
		return kerr.ErrBrokenEvent
	default:
		return kerr.ErrTimedOut
	}
}

// abandon unregisters the Blocker, resolving it unless Notify or Cancel got
// there first.
func (b *Blocker) abandon(event ipc.Bound) {
	_, signal := event.Unwait(b)
	b.resolve(outcomeAbandoned, signal)
}

// Detach returns whether the Blocker matched, and the signal observed when it
// resolved. It must be called exactly once, after the Blocker has resolved.
func (b *Blocker) Detach() (matched bool, signal uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.outcome == outcomePending:
		_ = kerr.Violation("Blocker.Detach", "blocker has not resolved")
		return false, 0
	case b.detached:
		_ = kerr.Violation("Blocker.Detach", "blocker already detached")
		return false, b.signal
	}
	b.detached = true
	return b.outcome == outcomeMatched, b.signal
}

// Canceled reports whether the Blocker resolved because its Event was
// canceled.
func (b *Blocker) Canceled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome == outcomeCanceled
}

// Resolved reports whether the Blocker has resolved.
func (b *Blocker) Resolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome != outcomePending
}
