package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/internal/reaper"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFPU struct {
	size     int
	saves    atomic.Int32
	restores atomic.Int32
}

func (x *recordingFPU) Size() int { return x.size }

func (x *recordingFPU) Save(_ int, buf []byte) {
	x.saves.Add(1)
	buf[0]++
}

func (x *recordingFPU) Restore(int, []byte) { x.restores.Add(1) }

// startScheduler runs a scheduler until the end of the test.
func startScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
		assert.NoError(t, <-errCh)
		assert.Equal(t, StateTerminated, s.State())
	})
	return s
}

// waitExit blocks the test goroutine until task exits.
func waitExit(t *testing.T, task *Task) uint64 {
	t.Helper()
	b := wait.NewBlocker(task.Event(), true, ipc.SigRead)
	require.NoError(t, b.Wait(wait.NewChannelParker(), 5*time.Second))
	b.Detach()
	v, ok := task.ExitValue()
	require.True(t, ok)
	return v
}

func mustSpawn(t *testing.T, s *Scheduler, name string, affinity cpu.Mask, fn func(t *Task) uint64) *Task {
	t.Helper()
	task, err := s.Spawn(name, NewSpace(name), affinity, fn)
	require.NoError(t, err)
	return task
}

func TestNew_invalidOptions(t *testing.T) {
	t.Parallel()
	for _, opt := range []Option{
		WithCPUs(0),
		WithCPUs(cpu.MaxCPUs + 1),
		WithTimeSlice(0),
		WithStackAllocator(nil, 0),
	} {
		_, err := New(opt)
		assert.ErrorIs(t, err, kerr.ErrInvalidArgument)
	}
}

func TestScheduler_spawnJoin(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(2))
	child := mustSpawn(t, s, "child", 0, func(*Task) uint64 { return 42 })
	parent := mustSpawn(t, s, "parent", 0, func(t *Task) uint64 {
		v, err := t.Join(child, wait.Forever)
		if err != nil {
			return 0
		}
		return v + 1
	})

	assert.Equal(t, uint64(43), waitExit(t, parent))
	assert.Equal(t, uint64(42), waitExit(t, child))

	require.Eventually(t, func() bool { return s.Live() == 0 }, time.Second, time.Millisecond)
	_, ok := s.Lookup(child.Tid())
	assert.False(t, ok)
}

func TestScheduler_blockerWakesAcrossTasks(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(2))
	ev := ipc.NewEvent(0)

	waiter := mustSpawn(t, s, "waiter", 0, func(t *Task) uint64 {
		b := wait.NewBlocker(ev, true, ipc.SigRead)
		err := b.Wait(t, 5*time.Second)
		matched, signal := b.Detach()
		if err != nil || !matched {
			return 0
		}
		return signal
	})
	notifier := mustSpawn(t, s, "notifier", 0, func(t *Task) uint64 {
		for waiter.Info().State != "blocked" {
			t.Yield()
		}
		ev.Notify(0, ipc.SigRead)
		return 0
	})

	assert.Equal(t, ipc.SigRead, waitExit(t, waiter))
	waitExit(t, notifier)
}

func TestScheduler_blockedTaskHoldsNoRunQueueEntry(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1))
	ev := ipc.NewEvent(0)
	task := mustSpawn(t, s, "blocked", 0, func(t *Task) uint64 {
		b := wait.NewBlocker(ev, false, ipc.SigWrite)
		b.SetReason("waiting for write")
		_ = b.Wait(t, wait.Forever)
		b.Detach()
		return 1
	})

	require.Eventually(t, func() bool { return task.Info().State == "blocked" }, time.Second, time.Millisecond)
	info := task.Info()
	assert.Equal(t, "waiting for write", info.Reason)
	assert.Equal(t, "not-running", info.Running)
	snap := s.Snapshot()
	require.Len(t, snap.CPUs, 1)
	assert.Equal(t, int32(0), snap.CPUs[0].Load)
	assert.Equal(t, uint32(0), snap.CPUs[0].Current)
	assert.Equal(t, 1, ev.Len(), "exactly one waiter references the task")

	ev.Notify(0, ipc.SigWrite)
	assert.Equal(t, uint64(1), waitExit(t, task))
}

func TestScheduler_oneTaskPerCPU(t *testing.T) {
	t.Parallel()

	const cpus = 2
	s := startScheduler(t, WithCPUs(cpus), WithTimeSlice(time.Millisecond))
	var (
		occupancy  [cpus]atomic.Int32
		violations atomic.Int32
	)
	fn := func(t *Task) uint64 {
		for i := 0; i < 50; i++ {
			c := t.CPU()
			if occupancy[c].Add(1) != 1 {
				violations.Add(1)
			}
			runtime.Gosched()
			occupancy[c].Add(-1)
			t.Yield()
		}
		return 0
	}

	var tasks []*Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, mustSpawn(t, s, "worker", 0, fn))
	}
	for _, task := range tasks {
		waitExit(t, task)
	}
	assert.Zero(t, violations.Load())
}

func TestScheduler_timeSliceForcesYield(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1), WithTimeSlice(2*time.Millisecond))
	var stop atomic.Bool
	spinner := mustSpawn(t, s, "spinner", 0, func(t *Task) uint64 {
		var n uint64
		for !stop.Load() {
			t.CheckPreempt()
			n++
		}
		return n
	})
	stopper := mustSpawn(t, s, "stopper", 0, func(*Task) uint64 {
		stop.Store(true)
		return 0
	})

	waitExit(t, stopper)
	waitExit(t, spinner)
	assert.Greater(t, spinner.Runtime(), time.Duration(0))
	assert.GreaterOrEqual(t, spinner.Frame().Installs, uint64(1))
}

func TestScheduler_sleep(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1))
	task := mustSpawn(t, s, "sleeper", 0, func(t *Task) uint64 {
		start := time.Now()
		t.Sleep(20 * time.Millisecond)
		return uint64(time.Since(start))
	})
	assert.GreaterOrEqual(t, time.Duration(waitExit(t, task)), 20*time.Millisecond)
}

func TestTask_Binding(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1))
	var current, resumed atomic.Bool
	task := mustSpawn(t, s, "bound", 0, func(cur *Task) uint64 {
		first := cur.Binding()
		current.Store(first != nil && first == cpu.Preemption.Current() && first.CPU() == 0)
		cur.Sleep(time.Millisecond)
		// a resumed task is bound afresh
		second := cur.Binding()
		resumed.Store(second != nil && second != first && second == cpu.Preemption.Current())
		return uint64(second.Count())
	})
	assert.Zero(t, waitExit(t, task))
	assert.True(t, current.Load())
	assert.True(t, resumed.Load())
}

func TestScheduler_affinity(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(3))
	task := mustSpawn(t, s, "pinned", cpu.Of(2), func(t *Task) uint64 {
		for i := 0; i < 10; i++ {
			if t.CPU() != 2 {
				return 1
			}
			t.Yield()
		}
		return 0
	})
	assert.Zero(t, waitExit(t, task))

	_, err := s.Spawn("nowhere", NewSpace("x"), cpu.Of(5), func(*Task) uint64 { return 0 })
	assert.ErrorIs(t, err, kerr.ErrInvalidArgument)
	_, err = s.Spawn("nil", NewSpace("x"), 0, nil)
	assert.ErrorIs(t, err, kerr.ErrInvalidArgument)
}

func TestScheduler_selectCPU(t *testing.T) {
	t.Parallel()

	s, err := New(WithCPUs(4))
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	s.cpus[0].load.Store(3)
	s.cpus[1].load.Store(1)
	s.cpus[2].load.Store(1)
	s.cpus[3].load.Store(0)

	c, ok := s.selectCPU(cpu.Of(0, 1, 2), -1)
	assert.True(t, ok)
	assert.Equal(t, 1, c, "least loaded, lowest index")

	c, _ = s.selectCPU(cpu.Of(0, 1, 2), 0)
	assert.Equal(t, 0, c, "last cpu preferred")

	c, _ = s.selectCPU(cpu.Of(1, 2, 3), 0)
	assert.Equal(t, 3, c)

	_, ok = s.selectCPU(cpu.Of(9), -1)
	assert.False(t, ok)
}

func TestScheduler_killBlocked(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1))
	ev := ipc.NewEvent(0)
	waitErr := make(chan error, 1)
	task := mustSpawn(t, s, "victim", 0, func(t *Task) uint64 {
		b := wait.NewBlocker(ev, true, ipc.SigRead)
		waitErr <- b.Wait(t, time.Hour)
		b.Detach()
		return 0
	})
	require.Eventually(t, func() bool { return task.Info().State == "blocked" }, time.Second, time.Millisecond)
	require.Equal(t, 1, ev.Len())

	task.Kill()
	assert.True(t, task.Killed())
	assert.Equal(t, uint64(kerr.EKILLED), waitExit(t, task))
	assert.ErrorIs(t, <-waitErr, kerr.ErrKilled)
	assert.Equal(t, 0, ev.Len())
}

func TestScheduler_killDuringJoin(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(2))
	ev := ipc.NewEvent(0)
	target := mustSpawn(t, s, "target", 0, func(t *Task) uint64 {
		b := wait.NewBlocker(ev, true, ipc.SigRead)
		_ = b.Wait(t, wait.Forever)
		b.Detach()
		return 5
	})
	joinErr := make(chan error, 1)
	joiner := mustSpawn(t, s, "joiner", 0, func(t *Task) uint64 {
		_, err := t.Join(target, wait.Forever)
		joinErr <- err
		return 0
	})
	require.Eventually(t, func() bool { return joiner.Info().State == "blocked" }, time.Second, time.Millisecond)
	require.Equal(t, 1, target.Event().Len())

	joiner.Kill()
	assert.Equal(t, uint64(kerr.EKILLED), waitExit(t, joiner))
	assert.ErrorIs(t, <-joinErr, kerr.ErrKilled)
	assert.Equal(t, 0, target.Event().Len())

	ev.Notify(0, ipc.SigRead)
	assert.Equal(t, uint64(5), waitExit(t, target))
}

func TestScheduler_killSleeping(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1))
	var woke atomic.Bool
	task := mustSpawn(t, s, "sleeper", 0, func(t *Task) uint64 {
		t.Sleep(time.Hour)
		woke.Store(true)
		return 0
	})
	require.Eventually(t, func() bool { return task.Info().State == "blocked" }, time.Second, time.Millisecond)

	task.Kill()
	assert.Equal(t, uint64(kerr.EKILLED), waitExit(t, task))
	assert.False(t, woke.Load())
}

func TestScheduler_killRunningAtEntry(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1))
	started := make(chan struct{})
	task := mustSpawn(t, s, "spinner", 0, func(t *Task) uint64 {
		close(started)
		for {
			t.CheckPreempt()
		}
	})
	<-started
	task.Kill()
	assert.Equal(t, uint64(kerr.EKILLED), waitExit(t, task))
}

func TestScheduler_panicExitsWithFault(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1))
	task := mustSpawn(t, s, "faulty", 0, func(*Task) uint64 { panic("boom") })
	assert.Equal(t, uint64(kerr.EFAULT), waitExit(t, task))
}

func TestScheduler_Shutdown(t *testing.T) {
	t.Parallel()

	s, err := New(WithCPUs(2))
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	ev := ipc.NewEvent(0)
	var tasks []*Task
	for i := 0; i < 4; i++ {
		tasks = append(tasks, mustSpawn(t, s, "blocked", 0, func(t *Task) uint64 {
			b := wait.NewBlocker(ev, true, ipc.SigRead)
			_ = b.Wait(t, wait.Forever)
			return 0
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-errCh)

	for _, task := range tasks {
		v, ok := task.ExitValue()
		assert.True(t, ok)
		assert.Equal(t, uint64(kerr.EKILLED), v)
	}
	assert.Equal(t, StateTerminated, s.State())

	_, err = s.Spawn("late", NewSpace("x"), 0, func(*Task) uint64 { return 0 })
	assert.ErrorIs(t, err, kerr.ErrClosed)
	assert.ErrorIs(t, s.Run(context.Background()), ErrTerminated)
}

func TestScheduler_Run_contextCanceled(t *testing.T) {
	t.Parallel()

	s, err := New(WithCPUs(1))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	task := mustSpawn(t, s, "sleeper", 0, func(t *Task) uint64 {
		t.Sleep(time.Hour)
		return 0
	})
	require.Eventually(t, func() bool { return task.Info().State == "blocked" }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, uint64(kerr.EKILLED), waitExit(t, task))
}

func TestScheduler_Run_twice(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1))
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
}

func TestScheduler_Shutdown_beforeRun(t *testing.T) {
	t.Parallel()

	s, err := New(WithCPUs(1))
	require.NoError(t, err)
	var ran atomic.Bool
	space := NewSpace("early")
	task, err := s.Spawn("early", space, 0, func(*Task) uint64 {
		ran.Store(true)
		return 0
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	<-s.Done()

	v, ok := task.ExitValue()
	assert.True(t, ok)
	assert.Equal(t, uint64(kerr.EKILLED), v)
	assert.False(t, ran.Load())
	assert.Zero(t, s.Live())
	assert.Zero(t, space.Tasks())
	_, ok = s.Lookup(task.Tid())
	assert.False(t, ok)
	assert.Equal(t, StateTerminated, s.State())
	assert.ErrorIs(t, s.Run(context.Background()), ErrTerminated)

	_, err = s.Spawn("late", space, 0, func(*Task) uint64 { return 0 })
	assert.ErrorIs(t, err, kerr.ErrClosed)
}

func TestScheduler_Shutdown_racingRun(t *testing.T) {
	t.Parallel()

	for range 20 {
		s, err := New(WithCPUs(2))
		require.NoError(t, err)
		task, err := s.Spawn("racer", NewSpace("racer"), 0, func(t *Task) uint64 {
			t.Sleep(time.Hour)
			return 0
		})
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() { errCh <- s.Run(context.Background()) }()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, s.Shutdown(ctx))
		cancel()

		// whichever won, the task exits and Run does not strand it
		if err := <-errCh; err != nil {
			assert.ErrorIs(t, err, ErrTerminated)
		}
		assert.Equal(t, uint64(kerr.EKILLED), waitExit(t, task))
		assert.Zero(t, s.Live())
	}
}

func TestScheduler_maxTasks(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(1), WithMaxTasks(1))
	ev := ipc.NewEvent(0)
	mustSpawn(t, s, "one", 0, func(t *Task) uint64 {
		b := wait.NewBlocker(ev, true, ipc.SigRead)
		_ = b.Wait(t, wait.Forever)
		return 0
	})
	_, err := s.Spawn("two", NewSpace("x"), 0, func(*Task) uint64 { return 0 })
	assert.ErrorIs(t, err, kerr.ErrCapacityExceeded)
}

func TestScheduler_lazyFPU(t *testing.T) {
	t.Parallel()

	fpu := &recordingFPU{size: 16}
	s := startScheduler(t, WithCPUs(1), WithFPU(fpu))

	plain := mustSpawn(t, s, "plain", 0, func(t *Task) uint64 {
		for i := 0; i < 3; i++ {
			t.Yield()
		}
		return 0
	})
	waitExit(t, plain)
	assert.Zero(t, fpu.saves.Load())
	assert.Zero(t, fpu.restores.Load())

	user := mustSpawn(t, s, "fpu", 0, func(t *Task) uint64 {
		t.UseFPU()
		for i := 0; i < 3; i++ {
			t.Yield()
		}
		return 0
	})
	waitExit(t, user)
	assert.Equal(t, int32(4), fpu.saves.Load())
	assert.Equal(t, int32(3), fpu.restores.Load())
}

func TestScheduler_reclaimsStacks(t *testing.T) {
	t.Parallel()

	stacks := new(HeapStacks)
	s := startScheduler(t,
		WithCPUs(2),
		WithStackAllocator(stacks, 1024),
		WithReaper(&reaper.Config{MaxBatch: 2, FlushInterval: time.Millisecond}),
	)
	var tasks []*Task
	for i := 0; i < 5; i++ {
		tasks = append(tasks, mustSpawn(t, s, "short", 0, func(*Task) uint64 { return 0 }))
	}
	for _, task := range tasks {
		waitExit(t, task)
	}
	require.Eventually(t, func() bool { return stacks.Live() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Snapshot().Reaped == 5 }, time.Second, time.Millisecond)
}

func TestScheduler_Snapshot(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(2))
	ev := ipc.NewEvent(0)
	space := NewSpace("proc")
	task, err := s.Spawn("snap", space, cpu.Of(1), func(t *Task) uint64 {
		b := wait.NewBlocker(ev, true, ipc.SigRead)
		_ = b.Wait(t, wait.Forever)
		b.Detach()
		return 0
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return task.Info().State == "blocked" }, time.Second, time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, "Running", snap.State)
	assert.Equal(t, uint64(1), snap.Spawned)
	require.Len(t, snap.Tasks, 1)
	info := snap.Tasks[0]
	assert.Equal(t, uint32(task.Tid()), info.Tid)
	assert.Equal(t, "snap", info.Name)
	assert.Equal(t, "proc", info.Space)
	assert.Equal(t, 1, info.CPU)
	assert.Equal(t, int64(1), space.Tasks())

	ev.Notify(0, ipc.SigRead)
	waitExit(t, task)
	require.Eventually(t, func() bool { return space.Tasks() == 0 }, time.Second, time.Millisecond)
}

func TestScheduler_parkUnparkToken(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, WithCPUs(2))
	var (
		mu     sync.Mutex
		parked bool
	)
	task := mustSpawn(t, s, "parker", 0, func(cur *Task) uint64 {
		// a token left before parking is consumed without blocking
		cur.Unpark()
		if err := cur.Park("token"); err != nil {
			return 1
		}
		mu.Lock()
		parked = true
		mu.Unlock()
		if err := cur.Park("real"); err != nil {
			return 2
		}
		return 7
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return parked && task.Info().State == "blocked"
	}, time.Second, time.Millisecond)
	assert.Equal(t, "real", task.Info().Reason)
	task.Unpark()
	assert.Equal(t, uint64(7), waitExit(t, task))
}
