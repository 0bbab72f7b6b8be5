package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joeycumines/go-microkernel/intr"
	"github.com/joeycumines/go-microkernel/kernel"
	"github.com/joeycumines/go-microkernel/sched"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		dumpPath   string
		cpus       int
		sc         scenario
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			levelName, _ := cmd.Flags().GetString("log-level")
			level, err := parseLevel(levelName)
			if err != nil {
				return err
			}

			config := new(kernel.Config)
			if configPath != "" {
				if config, err = kernel.LoadConfig(configPath); err != nil {
					return err
				}
			}
			var schedOpts []sched.Option
			if cpus > 0 {
				schedOpts = append(schedOpts, sched.WithCPUs(cpus))
			}

			k, err := kernel.New(config, new(intr.SimChip),
				kernel.WithLogger(newLogger(cmd.ErrOrStderr(), level)),
				kernel.WithSchedulerOptions(schedOpts...),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			rep, err := runScenario(ctx, k, sc)
			if err != nil {
				return err
			}

			printSummary(cmd.OutOrStdout(), rep)
			if dumpPath != "" {
				if err := writeDump(dumpPath, rep); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot written to %s\n", dumpPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "kernel config file (TOML)")
	cmd.Flags().StringVar(&dumpPath, "dump", "", "write a msgpack snapshot to this file")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "override the configured cpu count")
	cmd.Flags().DurationVar(&sc.Duration, "duration", time.Second, "how long to run")
	cmd.Flags().IntVar(&sc.Producers, "producers", 4, "number of producer tasks")
	cmd.Flags().IntVar(&sc.Capacity, "capacity", 16, "dispatcher capacity")
	cmd.Flags().DurationVar(&sc.Interval, "interval", time.Millisecond, "producer notify interval")
	return cmd
}
