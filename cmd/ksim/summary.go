package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	valueColor  = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow, color.Bold)
)

func printSummary(w io.Writer, rep *report) {
	line := func(name string, value any) {
		fmt.Fprintf(w, "  %-22s %s\n", name, valueColor.Sprint(value))
	}

	fmt.Fprintln(w, headerColor.Sprint("ksim summary"))
	line("elapsed", rep.Elapsed.Round(time.Millisecond))
	line("consumed", rep.Consumed)
	if rep.Requeued != 0 {
		fmt.Fprintf(w, "  %-22s %s\n", "requeued after drop", warnColor.Sprint(rep.Requeued))
	}

	fmt.Fprintln(w, headerColor.Sprint("scheduler"))
	line("state", rep.Scheduler.State)
	line("spawned", rep.Scheduler.Spawned)
	line("exited", rep.Scheduler.Exited)
	line("reaped", rep.Scheduler.Reaped)
	for _, c := range rep.Scheduler.CPUs {
		line(fmt.Sprintf("cpu %d switches", c.ID), c.Switches)
	}

	fmt.Fprintln(w, headerColor.Sprint("dispatcher"))
	line("pushed", rep.Dispatcher.Pushed)
	line("popped", rep.Dispatcher.Popped)
	if rep.Dispatcher.Dropped != 0 {
		fmt.Fprintf(w, "  %-22s %s\n", "dropped", warnColor.Sprint(rep.Dispatcher.Dropped))
	} else {
		line("dropped", 0)
	}
	line("outstanding", rep.Dispatcher.Outstanding)

	if len(rep.Interrupts) != 0 {
		fmt.Fprintln(w, headerColor.Sprint("interrupts"))
		irqs := make([]uint32, 0, len(rep.Interrupts))
		for irq := range rep.Interrupts {
			irqs = append(irqs, irq)
		}
		slices.Sort(irqs)
		for _, irq := range irqs {
			line(fmt.Sprintf("irq %d fired", irq), rep.Interrupts[irq])
		}
	}

	fmt.Fprintln(w, headerColor.Sprint("syscalls"))
	line("total", rep.Kernel.Syscalls)
	line("failed", rep.Kernel.Failures)
}

func writeDump(path string, rep *report) error {
	b, err := msgpack.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
