package kernel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/handle"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/sched"
	"github.com/joeycumines/go-microkernel/wait"
)

// DefaultChannelCapacity is the default ChannelConfig.Capacity.
const DefaultChannelCapacity = 64

// callIDBase is the first ID allocated by ChannelCallSend. Lower IDs are left
// to plain sends.
const callIDBase uint64 = 1 << 32

// Packet is a channel message: an ID, a payload, and handles moved from the
// sender's space to the receiver's.
type Packet struct {
	ID      uint64
	Buffer  []byte
	Handles []handle.Handle
}

// carried is an object in flight, holding the reference its handle had.
type carried struct {
	obj      handle.Object
	features handle.Feature
}

type message struct {
	id   uint64
	buf  []byte
	objs []carried
}

func (m *message) release() {
	for _, c := range m.objs {
		handle.Release(c.obj)
	}
	m.objs = nil
}

// channelPair is the state shared by both ends of a channel.
type channelPair struct {
	mu       sync.Mutex
	ends     [2]*Channel
	capacity int
	nextCall uint64
}

// Channel is one end of a bidirectional message channel.
//
// Its Event has ipc.SigRead set while packets are queued for it, and
// ipc.SigWrite set while the peer exists and has room. Once either end is
// destroyed, both Events are closed: waits in progress fail with
// kerr.ErrBrokenEvent, packets already queued can still be received, and
// sends fail with kerr.ErrBrokenEvent.
type Channel struct {
	handle.Ref
	pair  *channelPair
	side  int
	event ipc.Event

	// guarded by pair.mu
	inbox  *queue.Queue // of *message
	calls  map[uint64]*ipc.Cell[*message]
	closed bool
}

func newChannel(capacity int) (*Channel, *Channel) {
	pair := &channelPair{capacity: capacity, nextCall: callIDBase}
	for i := range pair.ends {
		c := &Channel{
			pair:  pair,
			side:  i,
			inbox: queue.New(),
			calls: make(map[uint64]*ipc.Cell[*message]),
		}
		c.event.Notify(0, ipc.SigWrite)
		c.OnDestroy(c.close)
		pair.ends[i] = c
	}
	return pair.ends[0], pair.ends[1]
}

func (*Channel) Kind() string { return "channel" }

func (c *Channel) Event() *ipc.Event { return &c.event }

// Queued returns the number of packets waiting to be received.
func (c *Channel) Queued() int {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	return c.inbox.Length()
}

// peerLocked returns the other end, or nil if either end is closed.
func (c *Channel) peerLocked() *Channel {
	peer := c.pair.ends[1-c.side]
	if c.closed || peer.closed {
		return nil
	}
	return peer
}

// send moves the handles out of table and queues the packet for the peer. A
// reply to one of the peer's pending calls completes that call instead.
// Nothing is taken from table unless the packet is delivered. The caller's
// binding is b.
func (c *Channel) send(b *cpu.Binding, table *handle.Table, p Packet) error {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	return c.sendLocked(b, table, p)
}

// call sends p with a newly allocated ID, registering a pending call that
// the peer completes by sending a packet with that ID.
func (c *Channel) call(b *cpu.Binding, table *handle.Table, p Packet) (uint64, error) {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	if c.peerLocked() == nil {
		return 0, fmt.Errorf("%w: channel peer closed", kerr.ErrBrokenEvent)
	}
	id := c.pair.nextCall
	c.pair.nextCall++
	p.ID = id
	c.calls[id] = new(ipc.Cell[*message])
	if err := c.sendLocked(b, table, p); err != nil {
		delete(c.calls, id)
		return 0, err
	}
	return id, nil
}

func (c *Channel) sendLocked(b *cpu.Binding, table *handle.Table, p Packet) error {
	peer := c.peerLocked()
	if peer == nil {
		return fmt.Errorf("%w: channel peer closed", kerr.ErrBrokenEvent)
	}
	reply, isReply := peer.calls[p.ID]
	if isReply {
		if _, done := reply.Get(); done {
			isReply = false
		}
	}
	if !isReply && peer.inbox.Length() >= c.pair.capacity {
		return fmt.Errorf("%w: channel full", kerr.ErrCapacityExceeded)
	}

	objs, err := c.takeLocked(table, p.Handles)
	if err != nil {
		return err
	}
	m := &message{id: p.ID, buf: p.Buffer, objs: objs}

	if isReply {
		reply.Set(m)
		return nil
	}
	peer.inbox.Add(m)
	if peer.inbox.Length() == 1 {
		peer.event.With(b).Notify(0, ipc.SigRead)
	}
	if peer.inbox.Length() == c.pair.capacity {
		c.event.With(b).Notify(ipc.SigWrite, 0)
	}
	return nil
}

// takeLocked removes every handle from table, or none of them.
func (c *Channel) takeLocked(table *handle.Table, handles []handle.Handle) ([]carried, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	seen := make(map[handle.Handle]struct{}, len(handles))
	for _, h := range handles {
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("%w: handle %#x sent twice", kerr.ErrInvalidArgument, uint32(h))
		}
		seen[h] = struct{}{}
		obj, err := table.Get(h, handle.FeatureSend)
		if err != nil {
			return nil, err
		}
		if ch, ok := obj.(*Channel); ok && ch.pair == c.pair {
			return nil, fmt.Errorf("%w: a channel cannot carry its own ends", kerr.ErrPermissionDenied)
		}
	}
	objs := make([]carried, 0, len(handles))
	for _, h := range handles {
		obj, features, err := table.Take(h, handle.FeatureSend)
		if err != nil {
			// removed concurrently: hand back what was taken
			for _, x := range objs {
				if _, aerr := table.Adopt(x.obj, x.features); aerr != nil {
					handle.Release(x.obj)
				}
			}
			return nil, err
		}
		objs = append(objs, carried{obj: obj, features: features})
	}
	return objs, nil
}

// recv dequeues the oldest packet. An empty channel fails with
// kerr.ErrNotFound, or kerr.ErrBrokenEvent if it can never receive more.
func (c *Channel) recv(b *cpu.Binding) (*message, error) {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: channel closed", kerr.ErrBrokenEvent)
	}
	if c.inbox.Length() == 0 {
		if c.peerLocked() == nil {
			return nil, fmt.Errorf("%w: channel peer closed", kerr.ErrBrokenEvent)
		}
		return nil, fmt.Errorf("%w: channel empty", kerr.ErrNotFound)
	}
	m := c.inbox.Remove().(*message)
	n := c.inbox.Length()
	if n == 0 {
		c.event.With(b).Notify(ipc.SigRead, 0)
	}
	if n == c.pair.capacity-1 {
		if peer := c.peerLocked(); peer != nil {
			peer.event.With(b).Notify(0, ipc.SigWrite)
		}
	}
	return m, nil
}

// abandonCall forgets a call whose reply can no longer arrive.
func (c *Channel) abandonCall(id uint64) {
	c.pair.mu.Lock()
	delete(c.calls, id)
	c.pair.mu.Unlock()
}

// pending returns the cell a call's reply is delivered to.
func (c *Channel) pending(id uint64) (*ipc.Cell[*message], error) {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: channel closed", kerr.ErrBrokenEvent)
	}
	cell, ok := c.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: no pending call %#x", kerr.ErrNotFound, id)
	}
	return cell, nil
}

// finishCall removes a call, returning its reply if one arrived.
func (c *Channel) finishCall(id uint64) (*message, bool) {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	cell, ok := c.calls[id]
	if !ok {
		return nil, false
	}
	m, ok := cell.Get()
	if ok {
		delete(c.calls, id)
	}
	return m, ok
}

// close runs when the end is destroyed, closing the Events of both ends and
// of every pending call. Packets queued for this end are dropped, releasing
// the objects they carry.
func (c *Channel) close() {
	c.pair.mu.Lock()
	var dropped []*message
	for c.inbox.Length() != 0 {
		dropped = append(dropped, c.inbox.Remove().(*message))
	}
	for _, cell := range c.calls {
		if m, ok := cell.Get(); ok {
			dropped = append(dropped, m)
		}
	}
	c.closed = true
	c.event.Notify(ipc.SigRead, 0)
	for _, end := range c.pair.ends {
		end.event.Notify(ipc.SigWrite, 0)
		end.event.Close()
		for _, cell := range end.calls {
			cell.Event().Close()
		}
	}
	c.calls = nil
	c.pair.mu.Unlock()

	// outside the lock, the carried objects may be destroyed
	for _, m := range dropped {
		m.release()
	}
}

// deliver moves m's objects into table. If the table is full, the packet is
// dropped along with every object it carried.
func deliver(table *handle.Table, m *message) (Packet, error) {
	p := Packet{ID: m.id, Buffer: m.buf}
	for i, x := range m.objs {
		h, err := table.Adopt(x.obj, x.features)
		if err != nil {
			for _, h := range p.Handles {
				_ = table.Remove(h)
			}
			for _, x := range m.objs[i:] {
				handle.Release(x.obj)
			}
			return Packet{}, err
		}
		p.Handles = append(p.Handles, h)
	}
	return p, nil
}

// ChannelCreate creates a channel, returning a handle to each end.
func (k *Kernel) ChannelCreate(cur *sched.Task) (handle.Handle, handle.Handle, error) {
	h0, h1, err := k.channelCreate(cur)
	return h0, h1, k.done(cur, "channel_create", err)
}

func (k *Kernel) channelCreate(cur *sched.Task) (handle.Handle, handle.Handle, error) {
	c0, c1 := newChannel(k.config.channelCapacity())
	table := cur.Space().Handles()
	h0, err := table.Insert(c0, defaultFeatures)
	if err != nil {
		c0.Destroy()
		return 0, 0, err
	}
	h1, err := table.Insert(c1, defaultFeatures)
	if err != nil {
		_ = table.Remove(h0)
		return 0, 0, err
	}
	return h0, h1, nil
}

func (k *Kernel) channel(cur *sched.Task, h handle.Handle, required handle.Feature) (*Channel, error) {
	obj, err := cur.Space().Handles().Get(h, required)
	if err != nil {
		return nil, err
	}
	c, ok := obj.(*Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s handle is not a channel", kerr.ErrInvalidArgument, obj.Kind())
	}
	return c, nil
}

// ChannelSend queues p at the peer of the channel end behind h, which must
// grant handle.FeatureWrite. The handles in p, which must grant
// handle.FeatureSend, move with it: they are removed from the caller's space
// only if the send succeeds. A full peer fails with
// kerr.ErrCapacityExceeded, and a closed one with kerr.ErrBrokenEvent.
//
// A packet whose ID matches a call pending at the peer (see ChannelCallSend)
// completes that call instead of being queued.
func (k *Kernel) ChannelSend(cur *sched.Task, h handle.Handle, p Packet) error {
	return k.done(cur, "channel_send", k.channelSend(cur, h, p))
}

func (k *Kernel) channelSend(cur *sched.Task, h handle.Handle, p Packet) error {
	c, err := k.channel(cur, h, handle.FeatureWrite)
	if err != nil {
		return err
	}
	return c.send(cur.Binding(), cur.Space().Handles(), p)
}

// ChannelRecv dequeues the oldest packet queued at the channel end behind h,
// which must grant handle.FeatureRead. The carried handles are added to the
// caller's space. A zero timeout fails with kerr.ErrNotFound if nothing is
// queued, otherwise it waits for a packet. Once the peer is closed and the
// queue drained, it fails with kerr.ErrBrokenEvent.
func (k *Kernel) ChannelRecv(cur *sched.Task, h handle.Handle, timeout time.Duration) (Packet, error) {
	p, err := k.channelRecv(cur, h, timeout)
	return p, k.done(cur, "channel_recv", err)
}

func (k *Kernel) channelRecv(cur *sched.Task, h handle.Handle, timeout time.Duration) (Packet, error) {
	c, err := k.channel(cur, h, handle.FeatureRead)
	if err != nil {
		return Packet{}, err
	}
	poll := timeout == 0
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		m, err := c.recv(cur.Binding())
		if err == nil {
			return deliver(cur.Space().Handles(), m)
		}
		if poll || !errors.Is(err, kerr.ErrNotFound) {
			return Packet{}, err
		}
		b := wait.NewBlockerFor(cur, &c.event, true, ipc.SigRead)
		b.SetReason("channel recv")
		err = b.Wait(cur, timeout)
		b.Detach()
		// recv reports why the event broke
		if err != nil && !errors.Is(err, kerr.ErrBrokenEvent) {
			return Packet{}, err
		}
		if timeout > 0 {
			// another receiver may have won the packet
			timeout = max(time.Until(deadline), 0)
		}
	}
}

// ChannelCallSend sends p as a call, allocating its ID, which is returned.
// The peer replies by sending a packet with the same ID, which is collected
// with ChannelCallRecv rather than queued.
func (k *Kernel) ChannelCallSend(cur *sched.Task, h handle.Handle, p Packet) (uint64, error) {
	id, err := k.channelCallSend(cur, h, p)
	return id, k.done(cur, "channel_call_send", err)
}

func (k *Kernel) channelCallSend(cur *sched.Task, h handle.Handle, p Packet) (uint64, error) {
	c, err := k.channel(cur, h, handle.FeatureWrite|handle.FeatureRead)
	if err != nil {
		return 0, err
	}
	return c.call(cur.Binding(), cur.Space().Handles(), p)
}

// ChannelCallRecv waits for the reply to the call id made by ChannelCallSend.
// An unknown or already collected id fails with kerr.ErrNotFound. If the peer
// closes before replying, it fails with kerr.ErrBrokenEvent and the call is
// forgotten. A timed out call stays pending.
func (k *Kernel) ChannelCallRecv(cur *sched.Task, h handle.Handle, id uint64, timeout time.Duration) (Packet, error) {
	p, err := k.channelCallRecv(cur, h, id, timeout)
	return p, k.done(cur, "channel_call_recv", err)
}

func (k *Kernel) channelCallRecv(cur *sched.Task, h handle.Handle, id uint64, timeout time.Duration) (Packet, error) {
	c, err := k.channel(cur, h, handle.FeatureRead)
	if err != nil {
		return Packet{}, err
	}
	cell, err := c.pending(id)
	if err != nil {
		return Packet{}, err
	}
	b := wait.NewBlockerFor(cur, cell.Event(), true, ipc.SigRead)
	b.SetReason("channel call")
	err = b.Wait(cur, timeout)
	b.Detach()
	m, ok := c.finishCall(id)
	if ok {
		return deliver(cur.Space().Handles(), m)
	}
	switch {
	case err == nil:
		err = fmt.Errorf("%w: call %#x already collected", kerr.ErrNotFound, id)
	case errors.Is(err, kerr.ErrBrokenEvent):
		c.abandonCall(id)
	}
	return Packet{}, err
}
