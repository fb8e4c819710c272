// Package main is the cortex server CLI.
//
// cortex runs a stateful agent server: agents with editable memory blocks,
// archival and source passage stores with vector retrieval, background
// ingestion jobs, and an audit pipeline.
//
// Start the server:
//
//	cortex serve
//
// Configuration comes from environment variables, with a .env file in the
// working directory merged underneath. See internal/config for the full list.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "cortex",
		Short:         "Stateful agent server with persistent memory and retrieval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cortex version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// setupLogging installs the process-wide slog handler. Subsystems pick it
// up via slog.Default.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
