// Package main is the entry point for the triku command line tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/triku/internal/counts"
)

var version = "0.1.0-dev"

// Exit codes.
const (
	exitOK            = 0
	exitFailure       = 1
	exitInvalidInput  = 2
	exitConfiguration = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "triku",
		Short: "Highly variable gene selection for single-cell count matrices",
		Long: `triku selects highly variable genes by comparing, for every gene, the
expression summed over each cell's nearest neighbors with the distribution
expected if expression were spread at random.

Results can be written as TSV, stored in SQLite and plotted as PNG.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "config/triku.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newRunCmd(),
		newResultsCmd(),
	)
	return rootCmd
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, counts.ErrInvalidInput):
		return exitInvalidInput
	case errors.Is(err, counts.ErrConfiguration):
		return exitConfiguration
	default:
		return exitFailure
	}
}
