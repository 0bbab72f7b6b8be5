package sched

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/internal/reaper"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// Standard errors.
var (
	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("sched: scheduler is already running")

	// ErrTerminated is returned when operating on a stopped scheduler. It
	// wraps kerr.ErrClosed.
	ErrTerminated = fmt.Errorf("sched: scheduler has been terminated: %w", kerr.ErrClosed)
)

// Scheduler runs tasks on a fixed set of CPUs.
type Scheduler struct {
	logger *logiface.Logger[logiface.Event]
	stacks StackAllocator
	fpu    FPU
	reaper *reaper.Reaper[*Context]
	tids   *Tids
	cpus   []*cpuState
	online cpu.Mask
	slice  time.Duration
	stack  int

	state       runState
	stopOnce    sync.Once
	terminating chan struct{}
	done        chan struct{}

	mu    sync.Mutex
	tasks map[Tid]*Task
	live  atomic.Int64

	spawned atomic.Uint64
	exited  atomic.Uint64
}

// New returns a Scheduler, which dispatches nothing until Run.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		logger:      cfg.logger,
		stacks:      cfg.stacks,
		fpu:         cfg.fpu,
		tids:        NewTids(cfg.maxTasks),
		online:      cpu.All(cfg.cpus),
		slice:       cfg.slice,
		stack:       cfg.stackSize,
		terminating: make(chan struct{}),
		done:        make(chan struct{}),
		tasks:       make(map[Tid]*Task),
	}
	s.cpus = make([]*cpuState, cfg.cpus)
	for i := range s.cpus {
		s.cpus[i] = newCPUState(s, i)
	}
	s.reaper = reaper.New(cfg.reaper, s.reclaim)
	return s, nil
}

// CPUs returns the number of CPUs.
func (s *Scheduler) CPUs() int { return len(s.cpus) }

// Online returns the mask of the scheduler's CPUs.
func (s *Scheduler) Online() cpu.Mask { return s.online }

// State returns the scheduler's lifecycle state.
func (s *Scheduler) State() SchedulerState { return s.state.Load() }

// Done is closed once the scheduler has terminated.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Run runs every CPU loop, blocking until the scheduler terminates. If ctx
// is done first, the scheduler shuts down as if by Shutdown, and Run returns
// ctx's error once every task has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.TryTransition(StateAwake, StateRunning) {
		if s.state.Load() == StateRunning {
			return ErrAlreadyRunning
		}
		return ErrTerminated
	}

	stop := context.AfterFunc(ctx, s.beginShutdown)
	defer stop()

	err := s.loop()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// loop runs the CPU loops until every task has exited after shutdown.
func (s *Scheduler) loop() error {
	defer close(s.done)

	s.logger.Info().
		Int("cpus", len(s.cpus)).
		Dur("slice", s.slice).
		Log("scheduler running")

	var g errgroup.Group
	for _, c := range s.cpus {
		g.Go(c.run)
	}
	err := g.Wait()

	s.state.Store(StateTerminated)
	if rerr := s.reaper.Shutdown(context.Background()); err == nil {
		err = rerr
	}
	s.logger.Info().
		Uint64("spawned", s.spawned.Load()).
		Uint64("exited", s.exited.Load()).
		Log("scheduler terminated")
	return err
}

// Shutdown kills every task, then waits for them to exit and the CPUs to
// stop, or for ctx to be done. Tasks only observe the kill at their next
// kernel entry. If the scheduler never ran, the CPUs are started just to
// retire the tasks spawned so far, which exit with kerr.EKILLED without
// running.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	early := s.state.TryTransition(StateAwake, StateTerminating)
	s.mu.Unlock()
	if early {
		s.terminate()
		go func() {
			if err := s.loop(); err != nil {
				s.logger.Warning().Err(err).Log("scheduler shutdown failed")
			}
		}()
	} else {
		s.beginShutdown()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) beginShutdown() {
	s.mu.Lock()
	ok := s.state.TryTransition(StateRunning, StateTerminating)
	s.mu.Unlock()
	if ok {
		s.terminate()
	}
}

// terminate kills every task, after the move to StateTerminating.
func (s *Scheduler) terminate() {
	s.stopOnce.Do(func() { close(s.terminating) })
	s.logger.Debug().
		Int64("live", s.live.Load()).
		Log("scheduler terminating, killing tasks")
	for _, t := range s.Tasks() {
		t.Kill()
	}
}

// Spawn creates a task running fn in space, restricted to the CPUs in
// affinity (all CPUs, if empty). The task's exit value is fn's result.
func (s *Scheduler) Spawn(name string, space *Space, affinity cpu.Mask, fn func(t *Task) uint64) (*Task, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil task func", kerr.ErrInvalidArgument)
	}
	if space == nil {
		return nil, fmt.Errorf("%w: nil space", kerr.ErrInvalidArgument)
	}
	if affinity.Empty() {
		affinity = s.online
	}
	target, ok := s.selectCPU(affinity, -1)
	if !ok {
		return nil, fmt.Errorf("%w: affinity %s has no online cpu", kerr.ErrInvalidArgument, affinity)
	}
	if !s.state.CanAcceptWork() {
		return nil, ErrTerminated
	}

	tid, err := s.tids.Alloc()
	if err != nil {
		return nil, err
	}
	kstack, err := NewKstack(s.stacks, s.stack)
	if err != nil {
		s.tids.Free(tid)
		return nil, err
	}

	t := &Task{
		s:      s,
		fn:     fn,
		resume: make(chan struct{}, 1),
	}
	t.ctx = NewContext(tid, s.tids, name, space, kstack, affinity, nil, s.deferReclaim)
	t.state = NewInit(t.ctx)
	t.cpu = target

	// registration and the move to StateTerminating exclude each other, so
	// the kill sweep sees every task the CPUs must wait for
	s.mu.Lock()
	if !s.state.CanAcceptWork() {
		s.mu.Unlock()
		kstack.free(s.stacks)
		s.tids.Free(tid)
		return nil, ErrTerminated
	}
	s.tasks[tid] = t
	s.live.Add(1)
	s.mu.Unlock()
	space.tasks.Add(1)
	s.spawned.Add(1)
	s.cpus[target].load.Add(1)

	go t.main()
	s.cpus[target].inbox.post(message{kind: msgSpawn, task: t})

	s.logger.Debug().
		Str("task", name).
		Uint64("tid", uint64(tid)).
		Int("cpu", target).
		Log("task spawned")
	return t, nil
}

// selectCPU picks the CPU for a task becoming ready: last, if allowed, else
// the least loaded allowed CPU, lowest index first.
func (s *Scheduler) selectCPU(affinity cpu.Mask, last int) (int, bool) {
	allowed := affinity & s.online
	if allowed.Empty() {
		return -1, false
	}
	if last >= 0 && allowed.Has(last) {
		return last, true
	}
	best, bestLoad := -1, int32(0)
	for _, i := range allowed.CPUs() {
		if load := s.cpus[i].load.Load(); best < 0 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best, true
}

// Lookup returns the live task with the given tid.
func (s *Scheduler) Lookup(tid Tid) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[tid]
	return t, ok
}

// Tasks returns the live tasks, ordered by tid.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	slices.SortFunc(tasks, func(a, b *Task) int { return cmp.Compare(a.ctx.tid, b.ctx.tid) })
	return tasks
}

// Live returns the number of tasks spawned but not yet exited.
func (s *Scheduler) Live() int64 { return s.live.Load() }

// TaskInfo is a diagnostic view of one task.
type TaskInfo struct {
	Tid     uint32        `msgpack:"tid"`
	Name    string        `msgpack:"name"`
	Space   string        `msgpack:"space"`
	State   string        `msgpack:"state"`
	Reason  string        `msgpack:"reason,omitempty"`
	Running string        `msgpack:"running"`
	CPU     int           `msgpack:"cpu"`
	Runtime time.Duration `msgpack:"runtime"`
	Killed  bool          `msgpack:"killed,omitempty"`
}

// CPUInfo is a diagnostic view of one CPU.
type CPUInfo struct {
	ID       int    `msgpack:"id"`
	Current  uint32 `msgpack:"current,omitempty"`
	Load     int32  `msgpack:"load"`
	Switches uint64 `msgpack:"switches"`
}

// Snapshot is a diagnostic view of a Scheduler.
type Snapshot struct {
	State   string     `msgpack:"state"`
	Tasks   []TaskInfo `msgpack:"tasks"`
	CPUs    []CPUInfo  `msgpack:"cpus"`
	Spawned uint64     `msgpack:"spawned"`
	Exited  uint64     `msgpack:"exited"`
	Reaped  uint64     `msgpack:"reaped"`
}

// Snapshot returns the state of every live task and CPU.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		State:   s.State().String(),
		Spawned: s.spawned.Load(),
		Exited:  s.exited.Load(),
		Reaped:  s.reaper.Stats().Freed,
	}
	for _, t := range s.Tasks() {
		snap.Tasks = append(snap.Tasks, t.Info())
	}
	for _, c := range s.cpus {
		snap.CPUs = append(snap.CPUs, c.info())
	}
	return snap
}

// deferReclaim queues an exited context for reclamation. The exiting task's
// stack may still be in use, so it is never freed inline.
func (s *Scheduler) deferReclaim(ctx *Context) {
	if _, err := s.reaper.Defer(context.Background(), ctx); err != nil {
		s.logger.Warning().
			Err(err).
			Uint64("tid", uint64(ctx.tid)).
			Log("failed to defer task reclamation, leaking context")
	}
}

func (s *Scheduler) reclaim(_ context.Context, ctxs []*Context) error {
	for _, ctx := range ctxs {
		ctx.kstack.free(s.stacks)
		ctx.ext.buf = nil
	}
	return nil
}

// forget removes an exiting task from the live set, before its tid is freed.
func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	if s.tasks[t.ctx.tid] == t {
		delete(s.tasks, t.ctx.tid)
	}
	s.mu.Unlock()
}

// taskExited is called by the CPU loop, after the Exit transition.
func (s *Scheduler) taskExited(t *Task) {
	t.ctx.space.tasks.Add(-1)
	s.exited.Add(1)
	if s.live.Add(-1) == 0 && s.state.Load() == StateTerminating {
		for _, c := range s.cpus {
			c.inbox.post(message{kind: msgKick})
		}
	}
}
