// Package reaper frees resources that cannot be released by their current
// user, e.g. the kernel stack of a task that is still running on it. Items
// are deferred to a background goroutine, and freed in small batches.
package reaper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// MaxBatch caps the number of items per free call, if positive.
		// **Defaults to 16, if 0, or Config is nil.**
		MaxBatch int

		// FlushInterval is the longest an item waits for its batch to fill,
		// if positive. **Defaults to 10ms, if 0, or Config is nil.**
		//
		// WARNING: New will panic if both MaxBatch and FlushInterval are
		// disabled.
		FlushInterval time.Duration
	}

	// FreeFunc releases a batch of items. It runs on the reaper's goroutines,
	// never on the goroutine that deferred the items.
	FreeFunc[T any] func(ctx context.Context, items []T) error

	// Reaper accepts items, freeing them in the background. Instances must
	// be initialized using New.
	Reaper[T any] struct {
		free          FreeFunc[T]
		maxBatch      int
		flushInterval time.Duration
		ctx           context.Context
		cancel        context.CancelFunc
		done          chan struct{}
		stopped       chan struct{}
		stopOnce      sync.Once
		itemCh        chan T         // sent on Defer (ping)
		batchCh       chan *batch[T] // received on Defer (pong)
		pending       *batch[T]
		deferred      atomic.Uint64
		freed         atomic.Uint64
		failed        atomic.Uint64
	}

	batch[T any] struct {
		err   error
		done  chan struct{}
		items []T
	}

	// Pending is a deferred item, whose release may be awaited.
	Pending[T any] struct {
		Item  T
		batch *batch[T]
	}

	// Stats counts items by outcome.
	Stats struct {
		Deferred uint64
		Freed    uint64
		Failed   uint64
	}
)

var errPanicked = errors.New(`reaper: panic in FreeFunc`)

// New starts a Reaper. The config may be nil. It panics if free is nil, or
// the config disables both batch triggers.
//
// Shutdown or Close must be called once the Reaper is no longer needed.
func New[T any](config *Config, free FreeFunc[T]) *Reaper[T] {
	if free == nil {
		panic(`reaper: nil free func`)
	}

	x := Reaper[T]{
		free:          free,
		maxBatch:      16,
		flushInterval: time.Millisecond * 10,
		pending:       newBatch[T](),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		itemCh:        make(chan T),
		batchCh:       make(chan *batch[T]),
	}

	if config != nil {
		if config.MaxBatch != 0 {
			x.maxBatch = config.MaxBatch
		}
		if config.FlushInterval != 0 {
			x.flushInterval = config.FlushInterval
		}
	}

	if x.flushInterval <= 0 && x.maxBatch <= 0 {
		panic(`reaper: one of MaxBatch or FlushInterval must be specified`)
	}

	x.ctx, x.cancel = context.WithCancel(context.Background())

	go x.run()

	return &x
}

// Defer queues item to be freed. It fails if ctx is canceled, or the Reaper
// is stopped, in which case the caller still owns item.
func (x *Reaper[T]) Defer(ctx context.Context, item T) (*Pending[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := x.ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-x.ctx.Done():
		return nil, x.ctx.Err()

	case <-x.stopped:
		return nil, context.Canceled

	case x.itemCh <- item: // ping
		b := <-x.batchCh // pong
		x.deferred.Add(1)
		return &Pending[T]{Item: item, batch: b}, nil
	}
}

// Shutdown stops accepting items, then waits for every deferred item to be
// freed. If ctx ends first, the Reaper is closed, and ctx's error returned.
func (x *Reaper[T]) Shutdown(ctx context.Context) (err error) {
	x.stop()

	select {
	case <-ctx.Done():
		if x.ctx.Err() == nil {
			err = ctx.Err()
		}
		x.cancel()
		<-x.done
	case <-x.done:
	}

	return err
}

// Close cancels the context passed to in-flight frees, and blocks until the
// Reaper has stopped. Items not yet handed to FreeFunc are still freed, with
// a canceled context.
func (x *Reaper[T]) Close() error {
	x.cancel()
	<-x.done
	return nil
}

// Stats returns the item counters.
func (x *Reaper[T]) Stats() Stats {
	return Stats{
		Deferred: x.deferred.Load(),
		Freed:    x.freed.Load(),
		Failed:   x.failed.Load(),
	}
}

func (x *Reaper[T]) stop() {
	x.stopOnce.Do(func() {
		close(x.stopped)
	})
}

func (x *Reaper[T]) run() {
	defer close(x.done)
	defer x.cancel()

	var wg sync.WaitGroup

	// batches are freed one at a time, in order
	sem := make(chan struct{}, 1)

	flush := func() {
		if len(x.pending.items) == 0 {
			return
		}
		b := x.pending
		x.pending = newBatch[T]()
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := b.run(x.ctx, x.free); err != nil {
				x.failed.Add(uint64(len(b.items)))
			} else {
				x.freed.Add(uint64(len(b.items)))
			}
		}()
	}

	defer func() {
		flush()
		wg.Wait()
	}()

	flushCh := make(chan *batch[T])

	for {
		select {
		case <-x.ctx.Done():
			return

		case <-x.stopped:
			return

		case item := <-x.itemCh: // ping
			x.batchCh <- x.pending // pong

			x.pending.items = append(x.pending.items, item)

			if x.maxBatch > 0 && len(x.pending.items) >= x.maxBatch {
				flush()
			} else if x.flushInterval > 0 && len(x.pending.items) == 1 {
				b := x.pending
				timer := time.NewTimer(x.flushInterval)
				go func() {
					defer timer.Stop()
					select {
					case <-x.ctx.Done():
					case <-x.stopped:
					case <-b.done:
					case <-timer.C:
						select {
						case <-x.ctx.Done():
						case <-x.stopped:
						case <-b.done:
						case flushCh <- b:
						}
					}
				}()
			}

		case b := <-flushCh:
			if b == x.pending {
				flush()
			}
		}
	}
}

func newBatch[T any]() *batch[T] {
	return &batch[T]{done: make(chan struct{})}
}

func (x *batch[T]) run(ctx context.Context, free FreeFunc[T]) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	x.err = errPanicked
	defer close(x.done)

	x.err = free(ctx, x.items)

	return x.err
}

// Wait blocks until the item's batch has been freed, returning the FreeFunc
// error, if any.
func (x *Pending[T]) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-x.batch.done:
		return x.batch.err
	}
}
