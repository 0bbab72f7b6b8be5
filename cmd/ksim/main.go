// Command ksim boots a simulated kernel from a TOML config, runs a
// producer/consumer scenario over user events and interrupts, and reports
// what the scheduler and dispatcher did.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ksim",
		Short:        "Microkernel scheduling simulator",
		Long:         `ksim runs kernel tasks on simulated CPUs, driving interrupts and user events through dispatchers`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			mode, _ := cmd.Flags().GetString("color")
			switch mode {
			case "auto":
			case "on":
				color.NoColor = false
			case "off":
				color.NoColor = true
			default:
				return fmt.Errorf("invalid --color %q (auto|on|off)", mode)
			}
			return nil
		},
	}
	cmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	cmd.PersistentFlags().String("log-level", "warning", "log level (emerg..trace, or disabled)")
	cmd.AddCommand(newRunCmd())
	return cmd
}

func parseLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}
