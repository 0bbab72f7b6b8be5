package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microkernel/handle"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kernel"
	"github.com/joeycumines/go-microkernel/kerr"
	"github.com/joeycumines/go-microkernel/sched"
	"github.com/joeycumines/go-microkernel/wait"
	"golang.org/x/sync/errgroup"
)

type scenario struct {
	Duration  time.Duration
	Producers int
	Capacity  int
	Interval  time.Duration
}

type report struct {
	Elapsed    time.Duration     `msgpack:"elapsed"`
	Consumed   uint64            `msgpack:"consumed"`
	Requeued   uint64            `msgpack:"requeued"`
	Interrupts map[uint32]uint64 `msgpack:"interrupts"`
	Dispatcher wait.Stats        `msgpack:"dispatcher"`
	Kernel     kernel.Stats      `msgpack:"kernel"`
	Scheduler  sched.Snapshot    `msgpack:"scheduler"`
}

// counters are shared between the consumer task and the reporting goroutine.
type counters struct {
	consumed   atomic.Uint64
	requeued   atomic.Uint64
	dispatcher atomic.Pointer[wait.Dispatcher]
}

// runScenario runs k until sc.Duration elapses or ctx is done, then shuts it
// down. The report is taken just before shutdown.
func runScenario(ctx context.Context, k *kernel.Kernel, sc scenario) (*report, error) {
	if sc.Producers < 0 || sc.Interval <= 0 || sc.Duration <= 0 {
		return nil, fmt.Errorf("%w: scenario %+v", kerr.ErrInvalidArgument, sc)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var c counters
	if _, err := k.Spawn("consumer", "sim", 0, func(cur *sched.Task) uint64 {
		return uint64(kerr.Code(consume(k, cur, sc, &c)))
	}); err != nil {
		return nil, err
	}

	g.Go(func() error {
		if err := k.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	interrupts := k.Config().Interrupts
	fired := make([]atomic.Uint64, len(interrupts))
	for i, x := range interrupts {
		if x.Period <= 0 {
			continue
		}
		g.Go(func() error {
			drive(gctx, k, x.IRQ32(), time.Duration(x.Period), &fired[i])
			return nil
		})
	}

	start := time.Now()
	select {
	case <-time.After(sc.Duration):
	case <-gctx.Done():
	}

	rep := &report{
		Elapsed:    time.Since(start),
		Consumed:   c.consumed.Load(),
		Requeued:   c.requeued.Load(),
		Interrupts: make(map[uint32]uint64, len(interrupts)),
		Kernel:     k.Stats(),
		Scheduler:  k.Scheduler().Snapshot(),
	}
	for i, x := range interrupts {
		rep.Interrupts[x.IRQ32()] = fired[i].Load()
	}
	if d := c.dispatcher.Load(); d != nil {
		rep.Dispatcher = d.Stats()
	}

	cancel()
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rep, nil
}

// drive fires irq every period, as a hardware line would.
func drive(ctx context.Context, k *kernel.Kernel, irq uint32, period time.Duration, fired *atomic.Uint64) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// not yet claimed by the consumer
			if k.Fire(irq) == nil {
				fired.Add(1)
			}
		}
	}
}

type source struct {
	h     handle.Handle
	mask  uint64
	level bool
	user  bool
}

// consume is the consumer task: it spawns the producers, registers their
// events and every configured interrupt with one dispatcher, then pops until
// killed.
//
// Entries are one-shot, so each popped or dropped source is acknowledged and
// registered again. Interrupts are registered level-triggered, since only a
// pop acknowledges them, and a dropped entry leaves the line pending.
func consume(k *kernel.Kernel, cur *sched.Task, sc scenario, c *counters) error {
	dh, err := k.DispatcherCreate(cur, sc.Capacity)
	if err != nil {
		return err
	}
	obj, err := cur.Space().Handles().Get(dh, 0)
	if err != nil {
		return err
	}
	d := obj.(*kernel.DispatcherObject).Dispatcher()
	c.dispatcher.Store(d)

	sources := make(map[wait.Key]source)
	register := func(s source) error {
		key, err := k.DispatcherRegister(cur, dh, s.h, s.level, s.mask)
		if err != nil {
			return err
		}
		sources[wait.Key(key)] = s
		return nil
	}
	rearm := func(key wait.Key) error {
		s, ok := sources[key]
		if !ok {
			return nil
		}
		delete(sources, key)
		if s.user {
			if err := k.EventNotify(cur, s.h, ipc.SigRead, 0); err != nil {
				return err
			}
		}
		return register(s)
	}

	for i := range sc.Producers {
		ev, err := k.EventCreate(cur, 0)
		if err != nil {
			return err
		}
		if err := register(source{h: ev, mask: ipc.SigRead, user: true}); err != nil {
			return err
		}
		if _, err := k.TaskSpawn(cur, fmt.Sprintf("producer-%d", i), 0, func(p *sched.Task) uint64 {
			for {
				if err := k.TaskSleep(p, sc.Interval); err != nil {
					return uint64(kerr.Code(err))
				}
				if err := k.EventNotify(p, ev, 0, ipc.SigRead); err != nil {
					return uint64(kerr.Code(err))
				}
			}
		}); err != nil {
			return err
		}
	}

	for _, x := range k.Config().Interrupts {
		ih, err := k.IntrCreate(cur, x.IRQ32())
		if err != nil {
			return err
		}
		if err := register(source{h: ih, mask: ipc.SigGeneric, level: true}); err != nil {
			return err
		}
	}

	for {
		r, err := k.DispatcherPopWait(cur, dh, kernel.Forever)
		if err != nil {
			return err
		}
		c.consumed.Add(1)
		if r.Canceled {
			delete(sources, r.Key)
		} else if err := rearm(r.Key); err != nil {
			return err
		}
		for _, key := range d.TakeDropped() {
			c.requeued.Add(1)
			if err := rearm(key); err != nil {
				return err
			}
		}
	}
}
