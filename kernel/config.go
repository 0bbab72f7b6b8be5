package kernel

import (
	"fmt"
	"slices"
	"time"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-microkernel/cpu"
	"github.com/joeycumines/go-microkernel/internal/reaper"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/sched"
	"github.com/joeycumines/go-microkernel/wait"
	"github.com/joeycumines/logiface"
)

// Config is the boot configuration of a Kernel, typically loaded from TOML
// with LoadConfig. Zero fields take their defaults.
type Config struct {
	Scheduler  SchedulerConfig   `toml:"scheduler"`
	Dispatcher DispatcherConfig  `toml:"dispatcher"`
	Channel    ChannelConfig     `toml:"channel"`
	Reaper     ReaperConfig      `toml:"reaper"`
	Interrupts []InterruptConfig `toml:"interrupt"`
}

type SchedulerConfig struct {
	CPUs      int      `toml:"cpus"`
	TimeSlice Duration `toml:"time_slice"`
	StackSize int64    `toml:"stack_size"`
	MaxTasks  int      `toml:"max_tasks"`
}

type DispatcherConfig struct {
	// MaxCapacity bounds the capacity a task may request.
	MaxCapacity int `toml:"max_capacity"`
	// DropLogRates maps a window, e.g. "1m", to the number of drop warnings
	// logged per dispatcher within it.
	DropLogRates map[string]int `toml:"drop_log_rates"`
	// ScavengeBatch is how many registrations a pop checks for collected
	// events when nothing is queued. Zero disables it. Unset leaves the
	// wait.DefaultScavengeBatch.
	ScavengeBatch *int `toml:"scavenge_batch"`
}

type ChannelConfig struct {
	// Capacity bounds the packets queued at each end.
	Capacity int `toml:"capacity"`
}

type ReaperConfig struct {
	MaxBatch      int      `toml:"max_batch"`
	FlushInterval Duration `toml:"flush_interval"`
}

// InterruptConfig declares an interrupt line. Period is only used by
// simulated controllers, which fire the line at that interval.
type InterruptConfig struct {
	IRQ    int64    `toml:"irq"`
	Name   string   `toml:"name"`
	CPUs   []int    `toml:"cpus"`
	Period Duration `toml:"period"`
}

// Duration is a time.Duration decoded from a string such as "10ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefaultMaxCapacity is the default DispatcherConfig.MaxCapacity.
const DefaultMaxCapacity = 1024

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if err := cfg.validate(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// ParseConfig decodes a TOML config document.
func ParseConfig(data string) (*Config, error) {
	var cfg Config
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if err := cfg.validate(meta); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(meta toml.MetaData) error {
	if keys := meta.Undecoded(); len(keys) != 0 {
		return fmt.Errorf("%w: unknown key %s", kerr.ErrInvalidArgument, keys[0])
	}
	if meta.IsDefined("scheduler", "cpus") && (c.Scheduler.CPUs <= 0 || c.Scheduler.CPUs > cpu.MaxCPUs) {
		return fmt.Errorf("%w: [scheduler].cpus must be within 1..%d", kerr.ErrInvalidArgument, cpu.MaxCPUs)
	}
	if meta.IsDefined("scheduler", "time_slice") && c.Scheduler.TimeSlice <= 0 {
		return fmt.Errorf("%w: [scheduler].time_slice must be positive", kerr.ErrInvalidArgument)
	}
	if meta.IsDefined("dispatcher", "max_capacity") && c.Dispatcher.MaxCapacity <= 0 {
		return fmt.Errorf("%w: [dispatcher].max_capacity must be positive", kerr.ErrInvalidArgument)
	}
	if meta.IsDefined("channel", "capacity") && c.Channel.Capacity <= 0 {
		return fmt.Errorf("%w: [channel].capacity must be positive", kerr.ErrInvalidArgument)
	}
	if c.Dispatcher.ScavengeBatch != nil && *c.Dispatcher.ScavengeBatch < 0 {
		return fmt.Errorf("%w: [dispatcher].scavenge_batch must not be negative", kerr.ErrInvalidArgument)
	}
	if _, err := c.dropLogRates(); err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(c.Interrupts))
	for i, x := range c.Interrupts {
		if _, err := safecast.Conv[uint32](x.IRQ); err != nil {
			return fmt.Errorf("%w: [[interrupt]] %d: irq %d: %w", kerr.ErrInvalidArgument, i, x.IRQ, err)
		}
		if _, ok := seen[x.IRQ]; ok {
			return fmt.Errorf("%w: [[interrupt]] %d: duplicate irq %d", kerr.ErrInvalidArgument, i, x.IRQ)
		}
		seen[x.IRQ] = struct{}{}
		if slices.ContainsFunc(x.CPUs, func(n int) bool { return n < 0 || n >= cpu.MaxCPUs }) {
			return fmt.Errorf("%w: [[interrupt]] %d: cpu out of range", kerr.ErrInvalidArgument, i)
		}
		if x.Period < 0 {
			return fmt.Errorf("%w: [[interrupt]] %d: negative period", kerr.ErrInvalidArgument, i)
		}
	}
	return nil
}

func (c *Config) maxCapacity() int {
	if c.Dispatcher.MaxCapacity > 0 {
		return c.Dispatcher.MaxCapacity
	}
	return DefaultMaxCapacity
}

func (c *Config) channelCapacity() int {
	if c.Channel.Capacity > 0 {
		return c.Channel.Capacity
	}
	return DefaultChannelCapacity
}

// dropLogRates returns nil if unset, leaving the dispatcher default.
func (c *Config) dropLogRates() (map[time.Duration]int, error) {
	if c.Dispatcher.DropLogRates == nil {
		return nil, nil
	}
	rates := make(map[time.Duration]int, len(c.Dispatcher.DropLogRates))
	for k, v := range c.Dispatcher.DropLogRates {
		d, err := time.ParseDuration(k)
		if err != nil {
			return nil, fmt.Errorf("%w: [dispatcher].drop_log_rates: %w", kerr.ErrInvalidArgument, err)
		}
		rates[d] = v
	}
	return rates, nil
}

// schedulerOptions maps the config onto sched options, ahead of extra.
func (c *Config) schedulerOptions(logger *logiface.Logger[logiface.Event], extra []sched.Option) ([]sched.Option, error) {
	opts := []sched.Option{sched.WithLogger(logger)}
	if c.Scheduler.CPUs != 0 {
		opts = append(opts, sched.WithCPUs(c.Scheduler.CPUs))
	}
	if c.Scheduler.TimeSlice != 0 {
		opts = append(opts, sched.WithTimeSlice(time.Duration(c.Scheduler.TimeSlice)))
	}
	if c.Scheduler.StackSize != 0 {
		size, err := safecast.Conv[int](c.Scheduler.StackSize)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("%w: [scheduler].stack_size %d", kerr.ErrInvalidArgument, c.Scheduler.StackSize)
		}
		opts = append(opts, sched.WithStackAllocator(new(sched.HeapStacks), size))
	}
	if c.Scheduler.MaxTasks != 0 {
		opts = append(opts, sched.WithMaxTasks(c.Scheduler.MaxTasks))
	}
	if c.Reaper != (ReaperConfig{}) {
		opts = append(opts, sched.WithReaper(&reaper.Config{
			MaxBatch:      c.Reaper.MaxBatch,
			FlushInterval: time.Duration(c.Reaper.FlushInterval),
		}))
	}
	return append(opts, extra...), nil
}

// dispatcherOptions returns the options shared by every dispatcher.
func (c *Config) dispatcherOptions(logger *logiface.Logger[logiface.Event]) ([]wait.Option, error) {
	opts := []wait.Option{wait.WithLogger(logger)}
	rates, err := c.dropLogRates()
	if err != nil {
		return nil, err
	}
	if rates != nil {
		opts = append(opts, wait.WithDropLogRates(rates))
	}
	if n := c.Dispatcher.ScavengeBatch; n != nil {
		opts = append(opts, wait.WithScavengeBatch(*n))
	}
	return opts, nil
}

// interrupt returns the configuration of irq, if declared.
func (c *Config) interrupt(irq uint32) (InterruptConfig, bool) {
	for _, x := range c.Interrupts {
		if x.IRQ == int64(irq) {
			return x, true
		}
	}
	return InterruptConfig{}, false
}

// IRQ32 returns the line number, validated by LoadConfig.
func (x InterruptConfig) IRQ32() uint32 {
	v, _ := safecast.Conv[uint32](x.IRQ)
	return v
}
