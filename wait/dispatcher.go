package wait

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"weak"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/logiface"
)

// Key identifies one Dispatcher registration. Keys start at 1, and increase
// monotonically per Dispatcher.
type Key uint64

// Completion runs when a non-canceled entry is popped, receiving the signal
// that matched. Its results become Ready.Result and Ready.Err.
type Completion func(signal uint64) (uint64, error)

// Ready is one entry popped from a Dispatcher.
type Ready struct {
	Key Key
	// Canceled indicates the Event was destroyed before it matched.
	Canceled bool
	// Signal is the Event signal when the entry became ready.
	Signal uint64
	// Result is the completion's result, or Signal if there was none.
	Result uint64
	Err    error
}

// Stats is a point-in-time view of a Dispatcher's counters.
type Stats struct {
	Capacity    int
	Pending     int    // registered, not yet ready
	Queued      int    // ready, not yet popped
	Pushed      uint64 // total registrations
	Popped      uint64
	Dropped     uint64
	Canceled    uint64
	Outstanding int // Pending + Queued
}

// Dispatcher multiplexes many Event registrations into a bounded FIFO of
// ready entries, consumed with Pop. Its own Event has ipc.SigRead set
// exactly while entries are queued, so a Dispatcher may be waited on, or
// pushed into another Dispatcher.
//
// Entries are queued in the order their Events matched. A match arriving
// while capacity entries are queued is dropped, and its key recorded; see
// TakeDropped.
//
// Registrations do not keep their Event alive. An Event that is canceled, or
// that Scavenge finds collected, yields a Canceled entry. Pop scavenges a
// batch whenever it finds nothing queued, see WithScavengeBatch.
type Dispatcher struct {
	event ipc.Event

	logger        *logiface.Logger[logiface.Event]
	dropLimiter   *catrate.Limiter
	name          string
	scavengeBatch int

	mu      sync.Mutex
	entries map[Key]*entry
	// ring is a circular list of keys walked by Scavenge, in key order. It
	// may hold keys that are no longer registered.
	ring    []Key
	head    int
	ready   *queue.Queue
	dropped []Key
	nextKey Key
	cap     int
	stats   Stats
	closed  bool
}

// entry is a Dispatcher registration, registered as the waiter on its Event.
type entry struct {
	d          *Dispatcher
	key        Key
	data       ipc.WaiterData
	ref        weak.Pointer[ipc.Event]
	completion Completion
}

type readyEntry struct {
	key        Key
	canceled   bool
	signal     uint64
	completion Completion
}

var (
	_ ipc.Waiter   = (*entry)(nil)
	_ ipc.Waitable = (*Dispatcher)(nil)
)

// NewDispatcher returns a Dispatcher queueing at most capacity ready entries.
func NewDispatcher(capacity int, opts ...Option) (*Dispatcher, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: dispatcher capacity %d", kerr.ErrInvalidArgument, capacity)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		logger:        cfg.logger,
		dropLimiter:   cfg.dropLimiter,
		name:          cfg.name,
		scavengeBatch: cfg.scavengeBatch,
		entries:       make(map[Key]*entry),
		ready:         queue.New(),
		nextKey:       1,
		cap:           capacity,
	}, nil
}

// Event returns the Dispatcher's own Event.
func (d *Dispatcher) Event() *ipc.Event { return &d.event }

// Push registers a wait on event, returning the key its ready entry will
// carry. Capacity is not checked here: it applies when the entry becomes
// ready. If data already matches, the entry is queued before Push returns.
//
// Pushing the Dispatcher's own Event is rejected with
// kerr.ErrInvalidArgument. Cycles through nested dispatchers are not
// detected, and must not be created.
func (d *Dispatcher) Push(event *ipc.Event, data ipc.WaiterData, completion Completion) (Key, error) {
	if event == nil {
		return 0, fmt.Errorf("%w: nil event", kerr.ErrInvalidArgument)
	}
	if event == &d.event {
		return 0, fmt.Errorf("%w: dispatcher pushed into itself", kerr.ErrInvalidArgument)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, kerr.ErrClosed
	}
	e := &entry{
		d:          d,
		key:        d.nextKey,
		data:       data,
		ref:        weak.Make(event),
		completion: completion,
	}
	d.nextKey++
	d.entries[e.key] = e
	d.ring = append(d.ring, e.key)
	d.compactLocked()
	d.stats.Pushed++
	d.mu.Unlock()

	// may call back into deliver
	event.Wait(e)

	return e.key, nil
}

func (e *entry) WaiterData() ipc.WaiterData { return e.data }

func (e *entry) OnNotify(signal uint64) { e.d.deliver(e, signal, false) }

func (e *entry) OnCancel(_ *ipc.Event, signal uint64) { e.d.deliver(e, signal, true) }

// deliver moves a registered entry to the ready queue, or drops it if the
// queue is full. Entries no longer registered are ignored.
func (d *Dispatcher) deliver(e *entry, signal uint64, canceled bool) {
	d.mu.Lock()
	if d.entries[e.key] != e {
		d.mu.Unlock()
		return
	}
	d.unregisterLocked(e.key)
	if canceled {
		d.stats.Canceled++
	}

	if d.ready.Length() >= d.cap {
		d.stats.Dropped++
		d.dropped = append(d.dropped, e.key)
		queued := d.ready.Length()
		d.mu.Unlock()
		d.logDrop(e.key, signal, queued)
		return
	}

	d.ready.Add(readyEntry{
		key:        e.key,
		canceled:   canceled,
		signal:     signal,
		completion: e.completion,
	})
	if d.ready.Length() == 1 {
		d.event.Notify(0, ipc.SigRead)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) unregisterLocked(key Key) {
	// the ring is pruned lazily, see compactLocked
	delete(d.entries, key)
}

func (d *Dispatcher) logDrop(key Key, signal uint64, queued int) {
	if d.logger == nil {
		return
	}
	if d.dropLimiter != nil {
		if _, ok := d.dropLimiter.Allow(d); !ok {
			return
		}
	}
	d.logger.Warning().
		Str("dispatcher", d.name).
		Uint64("key", uint64(key)).
		Uint64("signal", signal).
		Int("capacity", d.cap).
		Int("queued", queued).
		Log("dispatcher ready queue full, dropping notification")
}

// Pop removes the oldest ready entry, running its completion. It returns
// false if nothing is queued, after scavenging for collected Events.
func (d *Dispatcher) Pop() (Ready, bool) {
	if r, ok := d.pop(); ok {
		return r, true
	}
	if d.Scavenge(d.scavengeBatch) == 0 {
		return Ready{}, false
	}
	return d.pop()
}

func (d *Dispatcher) pop() (Ready, bool) {
	d.mu.Lock()
	if d.ready.Length() == 0 {
		d.mu.Unlock()
		return Ready{}, false
	}
	r := d.ready.Remove().(readyEntry)
	d.stats.Popped++
	if d.ready.Length() == 0 {
		d.event.Notify(ipc.SigRead, 0)
	}
	d.mu.Unlock()

	out := Ready{
		Key:      r.key,
		Canceled: r.canceled,
		Signal:   r.signal,
		Result:   r.signal,
	}
	if !r.canceled && r.completion != nil {
		out.Result, out.Err = r.completion(r.signal)
	}
	return out, true
}

// PopWait pops the oldest ready entry, parking until one is queued. See
// Blocker.Wait for the timeout semantics. It fails with kerr.ErrClosed if the
// Dispatcher is closed while waiting.
func (d *Dispatcher) PopWait(parker Parker, timeout time.Duration) (Ready, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if r, ok := d.Pop(); ok {
			return r, nil
		}
		// a closed event cancels b, rather than registering it
		b := NewBlockerFor(parker, &d.event, true, ipc.SigRead)
		b.SetReason("dispatcher pop")
		err := b.Wait(parker, timeout)
		b.Detach()
		switch {
		case errors.Is(err, kerr.ErrBrokenEvent):
			if r, ok := d.Pop(); ok {
				return r, nil
			}
			return Ready{}, kerr.ErrClosed
		case err != nil:
			return Ready{}, err
		}
		if timeout > 0 {
			// another consumer may have won the entry
			if timeout = time.Until(deadline); timeout <= 0 {
				timeout = 0
			}
		}
	}
}

// TakeDropped returns, and clears, the keys of entries dropped because the
// ready queue was full.
func (d *Dispatcher) TakeDropped() []Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	dropped := d.dropped
	d.dropped = nil
	return dropped
}

// Stats returns the Dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Capacity = d.cap
	s.Pending = len(d.entries)
	s.Queued = d.ready.Length()
	s.Outstanding = s.Pending + s.Queued
	return s
}

// Scavenge checks up to batch registrations, in a circular walk, for Events
// that have been garbage collected, delivering a Canceled entry for each.
// It returns the number found.
func (d *Dispatcher) Scavenge(batch int) int {
	if batch <= 0 {
		return 0
	}

	d.mu.Lock()
	if len(d.ring) == 0 {
		d.mu.Unlock()
		return 0
	}
	start := d.head
	end := min(start+batch, len(d.ring))
	var candidates []*entry
	for _, key := range d.ring[start:end] {
		if e, ok := d.entries[key]; ok {
			candidates = append(candidates, e)
		}
	}
	d.head = end
	if d.head >= len(d.ring) {
		d.head = 0
	}
	d.mu.Unlock()

	var n int
	for _, e := range candidates {
		if e.ref.Value() == nil {
			d.deliver(e, 0, true)
			n++
		}
	}
	return n
}

// compactLocked drops unregistered keys from the ring, once the load factor
// falls below 25%.
func (d *Dispatcher) compactLocked() {
	if len(d.ring) <= 256 || len(d.entries)*4 >= len(d.ring) {
		return
	}
	ring := make([]Key, 0, len(d.entries)*2)
	for _, key := range d.ring {
		if _, ok := d.entries[key]; ok {
			ring = append(ring, key)
		}
	}
	d.ring, d.head = ring, 0
}

// Close unregisters every pending entry, and cancels the Dispatcher's Event.
// Queued entries remain available to Pop. Further pushes fail with
// kerr.ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		pending = append(pending, e)
	}
	clear(d.entries)
	d.ring, d.head = nil, 0
	d.mu.Unlock()

	for _, e := range pending {
		if event := e.ref.Value(); event != nil {
			event.Unwait(e)
		}
	}
	d.event.Close()
}
