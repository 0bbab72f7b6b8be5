package intr

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingChip logs each controller operation.
type recordingChip struct {
	mu  sync.Mutex
	ops []string
}

func (c *recordingChip) record(op string, irq uint32) {
	c.mu.Lock()
	c.ops = append(c.ops, fmt.Sprintf("%s %d", op, irq))
	c.mu.Unlock()
}

func (c *recordingChip) Mask(irq uint32)   { c.record("mask", irq) }
func (c *recordingChip) Unmask(irq uint32) { c.record("unmask", irq) }
func (c *recordingChip) Ack(irq uint32)    { c.record("ack", irq) }
func (c *recordingChip) EOI(irq uint32)    { c.record("eoi", irq) }

func (c *recordingChip) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func TestRouter_Fire(t *testing.T) {
	t.Parallel()

	chip := new(recordingChip)
	r := NewRouter(chip, nil)
	x, err := r.Register(4, cpu.Of(0), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), x.IRQ())
	assert.True(t, x.LastTime().IsZero())

	b := wait.NewBlocker(x.Event(), true, ipc.SigGeneric)
	go func() { assert.NoError(t, r.Fire(4)) }()
	require.NoError(t, b.Wait(wait.NewChannelParker(), time.Second))
	matched, signal := b.Detach()
	assert.True(t, matched)
	assert.Equal(t, ipc.SigGeneric, signal)

	require.Eventually(t, func() bool { return len(chip.Ops()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"unmask 4", "ack 4", "eoi 4"}, chip.Ops())
	assert.False(t, x.LastTime().IsZero())
	assert.Equal(t, uint64(1), x.Count())
}

func TestRouter_Fire_customHandler(t *testing.T) {
	t.Parallel()

	chip := new(recordingChip)
	r := NewRouter(chip, nil)
	var got *Interrupt
	x, err := r.Register(9, cpu.Of(1, 2), func(x *Interrupt) {
		assert.True(t, cpu.Preemption.Current() == nil || cpu.Preemption.Disabled())
		got = x
	})
	require.NoError(t, err)
	require.NoError(t, r.Fire(9))
	assert.Same(t, x, got)
	assert.Zero(t, x.Event().Signal())
}

func TestRouter_Fire_spurious(t *testing.T) {
	t.Parallel()

	chip := new(recordingChip)
	r := NewRouter(chip, nil)
	assert.ErrorIs(t, r.Fire(3), kerr.ErrNotFound)
	assert.Equal(t, []string{"ack 3", "mask 3", "eoi 3"}, chip.Ops())
}

func TestRouter_Register(t *testing.T) {
	t.Parallel()

	r := NewRouter(new(recordingChip), nil)
	_, err := r.Register(1, 0, nil)
	assert.ErrorIs(t, err, kerr.ErrInvalidArgument)

	_, err = r.Register(1, cpu.Of(0), nil)
	require.NoError(t, err)
	_, err = r.Register(1, cpu.Of(0), nil)
	assert.ErrorIs(t, err, kerr.ErrInvalidArgument)
}

func TestInterrupt_Destroy(t *testing.T) {
	t.Parallel()

	chip := new(recordingChip)
	r := NewRouter(chip, nil)
	x, err := r.Register(5, cpu.Of(0), nil)
	require.NoError(t, err)

	b := wait.NewBlocker(x.Event(), true, ipc.SigGeneric)
	r.Close()
	assert.ErrorIs(t, b.Wait(wait.NewChannelParker(), time.Second), kerr.ErrBrokenEvent)
	b.Detach()

	_, ok := r.Lookup(5)
	assert.False(t, ok)
	assert.Equal(t, []string{"unmask 5", "mask 5"}, chip.Ops())
	assert.ErrorIs(t, r.Fire(5), kerr.ErrNotFound)
}
