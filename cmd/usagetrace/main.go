// Package main implements the usagetrace CLI tool.
//
// The usagetrace tool finds the functions of a Go program that never run. It
// works by:
//
//  1. Parsing Go source files using go/ast
//  2. Injecting a call hook at the start of every function not yet known
//     to be used
//  3. Linking the usagetrace runtime, which reports each function's first
//     call and records it in a usage store
//  4. Leaving hooks of recorded functions out of the next build
//
// Usage:
//
//	usagetrace build -o app ./cmd/app     # Build with usage tracking
//	usagetrace run ./cmd/app              # Build and run
//	usagetrace instrument server.go       # Print one instrumented file
//	usagetrace rules example.com/app      # Explain the scan rules
//	usagetrace report                     # List recorded first uses
//
// The build and run commands accept every `go build` flag and pass it
// through unchanged.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/usagetrace/internal/usage/config"
)

const version = "0.1.0"

// exitError carries a process exit status through cobra.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "usagetrace",
		Short: "Find the functions of a Go program that never run",
		Long: `usagetrace instruments a Go program so that the first call of every
function is reported, and drops the instrumentation from functions once
they are known to be used.

Configuration is read from --config (or USAGETRACE_CONFIG) and overridden
by USAGETRACE_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")

	root.AddCommand(
		newBuildCmd(),
		newRunCmd(),
		newInstrumentCmd(),
		newRulesCmd(),
		newReportCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configuration named by path, falling back to
// USAGETRACE_CONFIG, with environment overrides applied.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	return config.Load(path, os.LookupEnv)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "usagetrace version %s\n", version)
		},
	}
}
