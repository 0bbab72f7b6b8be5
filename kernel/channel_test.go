package kernel

import (
	"testing"
	"time"

	"github.com/joeycumines/go-microkernel/handle"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/sched"
	"github.com/joeycumines/go-microkernel/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func channelEnd(t *testing.T, k *Kernel, space string, h handle.Handle) *Channel {
	t.Helper()
	obj, err := k.Space(space).Handles().Get(h, 0)
	require.NoError(t, err)
	return obj.(*Channel)
}

func TestKernel_channel_sendRecv(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, nil)
	run(t, k, "p", func(cur *sched.Task) {
		table := cur.Space().Handles()
		h0, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)

		signal, err := k.ObjectWait(cur, h1, 0, true, ipc.SigWrite)
		assert.NoError(t, err)
		assert.Equal(t, ipc.SigWrite, signal)
		_, err = k.ChannelRecv(cur, h1, 0)
		assert.ErrorIs(t, err, kerr.ErrNotFound)

		eh, err := k.EventCreate(cur, 0)
		assert.NoError(t, err)
		assert.NoError(t, k.ChannelSend(cur, h0, Packet{ID: 7, Buffer: []byte("ping"), Handles: []handle.Handle{eh}}))
		_, err = table.Get(eh, 0)
		assert.ErrorIs(t, err, kerr.ErrNotFound)

		signal, err = k.ObjectWait(cur, h1, 0, true, ipc.SigRead)
		assert.NoError(t, err)
		assert.Equal(t, ipc.SigRead|ipc.SigWrite, signal)

		p, err := k.ChannelRecv(cur, h1, 0)
		assert.NoError(t, err)
		assert.Equal(t, uint64(7), p.ID)
		assert.Equal(t, []byte("ping"), p.Buffer)
		if assert.Len(t, p.Handles, 1) {
			assert.NoError(t, k.EventNotify(cur, p.Handles[0], 0, ipc.SigRead))
			features, err := table.Features(p.Handles[0])
			assert.NoError(t, err)
			assert.Equal(t, defaultFeatures, features)
		}

		_, err = k.ObjectWait(cur, h1, 0, true, ipc.SigRead)
		assert.ErrorIs(t, err, kerr.ErrTimedOut)
		assert.Zero(t, channelEnd(t, k, "p", h1).Queued())
	})
}

func TestKernel_channel_rejectedSends(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, nil)
	run(t, k, "p", func(cur *sched.Task) {
		table := cur.Space().Handles()
		h0, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)
		eh, err := k.EventCreate(cur, 0)
		assert.NoError(t, err)
		noSend, err := k.ObjectClone(cur, eh, handle.FeatureAll&^handle.FeatureSend)
		assert.NoError(t, err)
		readOnly, err := k.ObjectClone(cur, h0, handle.FeatureRead)
		assert.NoError(t, err)
		n := table.Len()

		for _, tc := range []struct {
			name    string
			h       handle.Handle
			handles []handle.Handle
			want    error
		}{
			{`null handle`, h0, []handle.Handle{eh, 0}, kerr.ErrInvalidArgument},
			{`duplicate handle`, h0, []handle.Handle{eh, eh}, kerr.ErrInvalidArgument},
			{`own end`, h0, []handle.Handle{eh, h0}, kerr.ErrPermissionDenied},
			{`peer end`, h0, []handle.Handle{h1}, kerr.ErrPermissionDenied},
			{`not sendable`, h0, []handle.Handle{noSend}, kerr.ErrPermissionDenied},
			{`not writable`, readOnly, nil, kerr.ErrPermissionDenied},
			{`not a channel`, eh, nil, kerr.ErrInvalidArgument},
		} {
			err := k.ChannelSend(cur, tc.h, Packet{Handles: tc.handles})
			assert.ErrorIs(t, err, tc.want, tc.name)
		}

		assert.Equal(t, n, table.Len())
		_, err = table.Get(eh, 0)
		assert.NoError(t, err)
		assert.Zero(t, channelEnd(t, k, "p", h1).Queued())
	})
}

func TestKernel_channel_capacity(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, &Config{Channel: ChannelConfig{Capacity: 2}})
	run(t, k, "p", func(cur *sched.Task) {
		h0, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)

		assert.NoError(t, k.ChannelSend(cur, h0, Packet{ID: 1}))
		_, err = k.ObjectWait(cur, h0, 0, true, ipc.SigWrite)
		assert.NoError(t, err)
		assert.NoError(t, k.ChannelSend(cur, h0, Packet{ID: 2}))
		_, err = k.ObjectWait(cur, h0, 0, true, ipc.SigWrite)
		assert.ErrorIs(t, err, kerr.ErrTimedOut)
		assert.ErrorIs(t, k.ChannelSend(cur, h0, Packet{ID: 3}), kerr.ErrCapacityExceeded)

		// the other direction is unaffected
		assert.NoError(t, k.ChannelSend(cur, h1, Packet{ID: 4}))

		p, err := k.ChannelRecv(cur, h1, 0)
		assert.NoError(t, err)
		assert.Equal(t, uint64(1), p.ID)
		signal, err := k.ObjectWait(cur, h0, 0, true, ipc.SigWrite)
		assert.NoError(t, err)
		assert.Equal(t, ipc.SigRead|ipc.SigWrite, signal)
		assert.NoError(t, k.ChannelSend(cur, h0, Packet{ID: 3}))

		for _, want := range []uint64{2, 3} {
			p, err := k.ChannelRecv(cur, h1, 0)
			assert.NoError(t, err)
			assert.Equal(t, want, p.ID)
		}
	})
}

func TestKernel_channel_recvWaitsForSend(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, nil)
	ends := make(chan [2]handle.Handle, 1)
	run(t, k, "p", func(cur *sched.Task) {
		h0, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)
		ends <- [2]handle.Handle{h0, h1}
	})
	h := <-ends

	receiver, err := k.Spawn("receiver", "p", 0, func(cur *sched.Task) uint64 {
		p, err := k.ChannelRecv(cur, h[1], 5*time.Second)
		assert.NoError(t, err)
		return p.ID
	})
	require.NoError(t, err)
	end := channelEnd(t, k, "p", h[1])
	run(t, k, "p", func(cur *sched.Task) {
		yieldUntil(cur, func() bool { return end.Event().Len() == 1 })
		assert.NoError(t, k.ChannelSend(cur, h[0], Packet{ID: 42}))
	})
	assert.Equal(t, uint64(42), awaitExit(t, receiver))
	assert.Zero(t, end.Event().Len())
}

func TestKernel_channel_recvTimeout(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, nil)
	run(t, k, "p", func(cur *sched.Task) {
		_, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)
		start := time.Now()
		_, err = k.ChannelRecv(cur, h1, 10*time.Millisecond)
		assert.ErrorIs(t, err, kerr.ErrTimedOut)
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
		assert.Zero(t, channelEnd(t, k, "p", h1).Event().Len())
	})
}

// A call and its reply, across spaces, with the reply bypassing the queue.
func TestKernel_channel_call(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, nil)
	client := make(chan handle.Handle, 1)
	server := make(chan handle.Handle, 1)
	run(t, k, "client", func(cur *sched.Task) {
		h0, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)
		sh, err := k.ObjectTransfer(cur, h1, "server")
		assert.NoError(t, err)
		client <- h0
		server <- sh
	})
	h0, sh := <-client, <-server

	srv, err := k.Spawn("server", "server", 0, func(cur *sched.Task) uint64 {
		p, err := k.ChannelRecv(cur, sh, 5*time.Second)
		if !assert.NoError(t, err) {
			return 1
		}
		reply := make([]byte, len(p.Buffer))
		for i, b := range p.Buffer {
			reply[i] = b + 5
		}
		assert.NoError(t, k.ChannelSend(cur, sh, Packet{ID: p.ID, Buffer: reply}))
		return 0
	})
	require.NoError(t, err)

	run(t, k, "client", func(cur *sched.Task) {
		id, err := k.ChannelCallSend(cur, h0, Packet{ID: 3, Buffer: []byte{1, 2, 3}})
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, id, callIDBase)

		p, err := k.ChannelCallRecv(cur, h0, id, 5*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, id, p.ID)
		assert.Equal(t, []byte{6, 7, 8}, p.Buffer)

		_, err = k.ChannelRecv(cur, h0, 0)
		assert.ErrorIs(t, err, kerr.ErrNotFound)
		_, err = k.ChannelCallRecv(cur, h0, id, 0)
		assert.ErrorIs(t, err, kerr.ErrNotFound)
	})
	assert.Zero(t, awaitExit(t, srv))
}

func TestKernel_channel_peerClosed(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, nil)
	run(t, k, "p", func(cur *sched.Task) {
		table := cur.Space().Handles()
		h0, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)

		// one packet each way, each carrying an event
		toPeer, err := k.EventCreate(cur, 0)
		assert.NoError(t, err)
		dropped := userEvent(t, k, "p", toPeer)
		assert.NoError(t, k.ChannelSend(cur, h1, Packet{ID: 1, Handles: []handle.Handle{toPeer}}))
		fromPeer, err := k.EventCreate(cur, 0)
		assert.NoError(t, err)
		kept := userEvent(t, k, "p", fromPeer)
		assert.NoError(t, k.ChannelSend(cur, h0, Packet{ID: 2, Handles: []handle.Handle{fromPeer}}))

		id, err := k.ChannelCallSend(cur, h1, Packet{})
		assert.NoError(t, err)

		assert.NoError(t, k.ObjectDrop(cur, h0))
		assert.True(t, dropped.Destroyed())
		assert.False(t, kept.Destroyed())

		assert.ErrorIs(t, k.ChannelSend(cur, h1, Packet{}), kerr.ErrBrokenEvent)
		_, err = k.ChannelCallSend(cur, h1, Packet{})
		assert.ErrorIs(t, err, kerr.ErrBrokenEvent)
		_, err = k.ObjectWait(cur, h1, 0, true, ipc.SigWrite)
		assert.ErrorIs(t, err, kerr.ErrBrokenEvent)

		// queued packets survive the peer
		p, err := k.ChannelRecv(cur, h1, Forever)
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), p.ID)
		if assert.Len(t, p.Handles, 1) {
			assert.NoError(t, table.Remove(p.Handles[0]))
		}
		assert.True(t, kept.Destroyed())

		_, err = k.ChannelRecv(cur, h1, 0)
		assert.ErrorIs(t, err, kerr.ErrBrokenEvent)
		_, err = k.ChannelRecv(cur, h1, Forever)
		assert.ErrorIs(t, err, kerr.ErrBrokenEvent)
		_, err = k.ObjectWait(cur, h1, Forever, false, ipc.SigRead)
		assert.ErrorIs(t, err, kerr.ErrBrokenEvent)

		_, err = k.ChannelCallRecv(cur, h1, id, Forever)
		assert.ErrorIs(t, err, kerr.ErrBrokenEvent)
		_, err = k.ChannelCallRecv(cur, h1, id, 0)
		assert.ErrorIs(t, err, kerr.ErrNotFound)

		assert.NoError(t, k.ObjectDrop(cur, h1))
		assert.Zero(t, table.Len())
	})
}

func TestKernel_channel_peerClosedWhileWaiting(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, nil)
	ends := make(chan [2]handle.Handle, 1)
	run(t, k, "p", func(cur *sched.Task) {
		h0, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)
		ends <- [2]handle.Handle{h0, h1}
	})
	h := <-ends
	end := channelEnd(t, k, "p", h[1])

	receiver, err := k.Spawn("receiver", "p", 0, func(cur *sched.Task) uint64 {
		_, err := k.ChannelRecv(cur, h[1], Forever)
		assert.ErrorIs(t, err, kerr.ErrBrokenEvent)
		return 0
	})
	require.NoError(t, err)
	run(t, k, "p", func(cur *sched.Task) {
		yieldUntil(cur, func() bool { return end.Event().Len() == 1 })
		assert.NoError(t, k.ObjectDrop(cur, h[0]))
	})
	awaitExit(t, receiver)
	assert.Zero(t, end.Event().Len())
}

func TestKernel_channel_dispatcher(t *testing.T) {
	t.Parallel()

	k, _ := startKernel(t, nil)
	run(t, k, "p", func(cur *sched.Task) {
		dh, err := k.DispatcherCreate(cur, 4)
		assert.NoError(t, err)
		h0, h1, err := k.ChannelCreate(cur)
		assert.NoError(t, err)

		readable, err := k.DispatcherRegister(cur, dh, h1, true, ipc.SigRead)
		assert.NoError(t, err)
		orphaned, err := k.DispatcherRegister(cur, dh, h0, false, ipc.SigRead)
		assert.NoError(t, err)
		_, err = k.DispatcherPop(cur, dh)
		assert.ErrorIs(t, err, kerr.ErrNotFound)

		assert.NoError(t, k.ChannelSend(cur, h0, Packet{ID: 1}))
		r, err := k.DispatcherPopWait(cur, dh, 5*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, wait.Key(readable), r.Key)
		assert.False(t, r.Canceled)
		assert.Equal(t, ipc.SigRead|ipc.SigWrite, r.Signal)

		assert.NoError(t, k.ObjectDrop(cur, h1))
		r, err = k.DispatcherPopWait(cur, dh, 5*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, wait.Key(orphaned), r.Key)
		assert.True(t, r.Canceled)
	})
}
