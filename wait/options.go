package wait

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/logiface"
)

// dispatcherOptions holds configuration for NewDispatcher.
type dispatcherOptions struct {
	logger        *logiface.Logger[logiface.Event]
	dropLimiter   *catrate.Limiter
	name          string
	scavengeBatch int
}

// Option configures a Dispatcher.
type Option interface {
	applyDispatcher(*dispatcherOptions) error
}

type optionImpl struct {
	applyDispatcherFunc func(*dispatcherOptions) error
}

func (o *optionImpl) applyDispatcher(opts *dispatcherOptions) error {
	return o.applyDispatcherFunc(opts)
}

// WithLogger sets the logger used to report dropped notifications.
// A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *dispatcherOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithDropLogRates rate limits the dropped notification warnings, per
// dispatcher, to the given events per window. The default is 5 per second and
// 60 per minute. A nil or empty map logs every drop.
func WithDropLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *dispatcherOptions) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: drop log rates: %v", kerr.ErrInvalidArgument, r)
			}
		}()
		if len(rates) == 0 {
			opts.dropLimiter = nil
		} else {
			opts.dropLimiter = catrate.NewLimiter(rates)
		}
		return nil
	}}
}

// WithName labels the dispatcher in log output.
func WithName(name string) Option {
	return &optionImpl{func(opts *dispatcherOptions) error {
		opts.name = name
		return nil
	}}
}

// WithScavengeBatch sets how many registrations Pop checks for collected
// Events when nothing is queued. Zero disables scavenging on Pop. The default
// is DefaultScavengeBatch.
func WithScavengeBatch(n int) Option {
	return &optionImpl{func(opts *dispatcherOptions) error {
		if n < 0 {
			return fmt.Errorf("%w: scavenge batch %d", kerr.ErrInvalidArgument, n)
		}
		opts.scavengeBatch = n
		return nil
	}}
}

// DefaultScavengeBatch is the default for WithScavengeBatch.
const DefaultScavengeBatch = 64

func resolveOptions(opts []Option) (*dispatcherOptions, error) {
	cfg := &dispatcherOptions{
		dropLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
		scavengeBatch: DefaultScavengeBatch,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyDispatcher(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
