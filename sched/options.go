package sched

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/internal/reaper"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration for New.
type schedulerOptions struct {
	logger    *logiface.Logger[logiface.Event]
	stacks    StackAllocator
	fpu       FPU
	reaper    *reaper.Config
	cpus      int
	slice     time.Duration
	stackSize int
	maxTasks  int
}

// Option configures a Scheduler.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithCPUs sets the number of CPUs. Defaults to the CPUs available to the
// process, capped at cpu.MaxCPUs.
func WithCPUs(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 || n > cpu.MaxCPUs {
			return fmt.Errorf("%w: cpu count %d", kerr.ErrInvalidArgument, n)
		}
		opts.cpus = n
		return nil
	}}
}

// WithTimeSlice sets the time slice granted on each dispatch. Defaults to
// 10ms.
func WithTimeSlice(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: time slice %s", kerr.ErrInvalidArgument, d)
		}
		opts.slice = d
		return nil
	}}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithStackAllocator sets the kernel stack allocator, and stack size (if
// positive). Defaults to a HeapStacks, and DefaultStackSize.
func WithStackAllocator(alloc StackAllocator, size int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if alloc == nil {
			return fmt.Errorf("%w: nil stack allocator", kerr.ErrInvalidArgument)
		}
		opts.stacks = alloc
		if size > 0 {
			opts.stackSize = size
		}
		return nil
	}}
}

// WithFPU sets the extended register state driver. Without one, UseFPU only
// records usage.
func WithFPU(fpu FPU) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.fpu = fpu
		return nil
	}}
}

// WithReaper configures the batching of exited task reclamation.
func WithReaper(config *reaper.Config) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.reaper = config
		return nil
	}}
}

// WithMaxTasks limits the number of live tasks, if positive.
func WithMaxTasks(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.maxTasks = n
		return nil
	}}
}

func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		slice:     10 * time.Millisecond,
		stackSize: DefaultStackSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.cpus == 0 {
		mask, err := cpu.HostMask()
		if err != nil || mask.Empty() {
			cfg.cpus = 1
		} else {
			cfg.cpus = mask.Count()
		}
	}
	if cfg.stacks == nil {
		cfg.stacks = new(HeapStacks)
	}
	return cfg, nil
}
