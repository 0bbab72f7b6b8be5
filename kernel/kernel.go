package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/intr"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/sched"
	"github.com/joeycumines/go-microkernel/wait"
	"github.com/joeycumines/logiface"
)

// Kernel ties a Scheduler and an interrupt Router to the spaces whose tasks
// make syscalls.
type Kernel struct {
	config         Config
	logger         *logiface.Logger[logiface.Event]
	sched          *sched.Scheduler
	router         *intr.Router
	dispatcherOpts []wait.Option

	mu     sync.Mutex
	spaces map[string]*sched.Space

	dispatchers atomic.Uint64
	syscalls    atomic.Uint64
	failures    atomic.Uint64
}

// Option configures a Kernel.
type Option interface {
	applyKernel(*kernelOptions) error
}

type kernelOptions struct {
	logger *logiface.Logger[logiface.Event]
	sched  []sched.Option
}

type optionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (o *optionImpl) applyKernel(opts *kernelOptions) error {
	return o.applyKernelFunc(opts)
}

// WithLogger sets the logger, shared by every component. A nil logger
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithSchedulerOptions passes options through to sched.New, applied after
// those derived from the Config.
func WithSchedulerOptions(options ...sched.Option) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.sched = append(opts.sched, options...)
		return nil
	}}
}

// New returns a Kernel booted from config (nil for defaults), driving the
// interrupt controller chip.
func New(config *Config, chip intr.Chip, opts ...Option) (*Kernel, error) {
	if chip == nil {
		return nil, fmt.Errorf("%w: nil interrupt chip", kerr.ErrInvalidArgument)
	}
	if config == nil {
		config = new(Config)
	}
	var o kernelOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(&o); err != nil {
			return nil, err
		}
	}

	schedOpts, err := config.schedulerOptions(o.logger, o.sched)
	if err != nil {
		return nil, err
	}
	dispatcherOpts, err := config.dispatcherOptions(o.logger)
	if err != nil {
		return nil, err
	}
	s, err := sched.New(schedOpts...)
	if err != nil {
		return nil, err
	}

	return &Kernel{
		config:         *config,
		logger:         o.logger,
		sched:          s,
		router:         intr.NewRouter(chip, o.logger),
		dispatcherOpts: dispatcherOpts,
		spaces:         make(map[string]*sched.Space),
	}, nil
}

// Scheduler returns the kernel's scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Router returns the kernel's interrupt router.
func (k *Kernel) Router() *intr.Router { return k.router }

// Config returns a copy of the boot configuration.
func (k *Kernel) Config() Config { return k.config }

// Run runs the scheduler until it terminates, see sched.Scheduler.Run.
// Interrupt lines and spaces are released once it returns.
func (k *Kernel) Run(ctx context.Context) error {
	defer k.release()
	return k.sched.Run(ctx)
}

// Shutdown kills every task and waits for the scheduler to stop.
func (k *Kernel) Shutdown(ctx context.Context) error {
	return k.sched.Shutdown(ctx)
}

func (k *Kernel) release() {
	k.router.Close()
	k.mu.Lock()
	spaces := k.spaces
	k.spaces = make(map[string]*sched.Space)
	k.mu.Unlock()
	for _, space := range spaces {
		space.Close()
	}
	k.logger.Info().
		Uint64("syscalls", k.syscalls.Load()).
		Uint64("failures", k.failures.Load()).
		Log("kernel released")
}

// Space returns the named space, creating it on first use.
func (k *Kernel) Space(name string) *sched.Space {
	k.mu.Lock()
	defer k.mu.Unlock()
	space, ok := k.spaces[name]
	if !ok {
		space = sched.NewSpace(name)
		k.spaces[name] = space
	}
	return space
}

// Spawn starts a task in the named space, outside of any syscall, e.g. the
// first task of a process.
func (k *Kernel) Spawn(name, space string, affinity cpu.Mask, fn func(t *sched.Task) uint64) (*sched.Task, error) {
	return k.sched.Spawn(name, k.Space(space), affinity, fn)
}

// Fire delivers an interrupt line, as the hardware would.
func (k *Kernel) Fire(irq uint32) error {
	return k.router.Fire(irq)
}

// Stats is a point-in-time view of syscall counters.
type Stats struct {
	Syscalls uint64 `msgpack:"syscalls"`
	Failures uint64 `msgpack:"failures"`
}

// Stats returns the kernel's syscall counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Syscalls: k.syscalls.Load(),
		Failures: k.failures.Load(),
	}
}

// done accounts for a syscall, returning err unchanged.
func (k *Kernel) done(cur *sched.Task, op string, err error) error {
	k.syscalls.Add(1)
	if err != nil {
		k.failures.Add(1)
		k.logger.Debug().
			Str("syscall", op).
			Uint64("tid", uint64(cur.Tid())).
			Stringer("errno", kerr.Code(err)).
			Err(err).
			Log("syscall failed")
	}
	return err
}
