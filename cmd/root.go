// Package cmd defines the CLI commands for the yardwatch executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "yardwatch",
		Short: "Incremental salvage-yard inventory harvesting and change alerts.",
		Long: `yardwatch walks the yard catalog hierarchy (location, make, model),
persists a timestamped inventory snapshot per source, diffs the two most
recent snapshots, and emails subscribers whose filters match the changes.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./yardwatch.yaml via environment)")
	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point. Per-unit failures inside a run exit
// zero; only configuration-level failures exit non-zero.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "yardwatch:", err)
		os.Exit(1)
	}
}
