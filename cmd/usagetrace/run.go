// run.go implements the 'usagetrace run' command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/usagetrace/internal/usage/config"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [build flags] package | files... [arguments...]",
		Short: "Build and run a Go program with usage tracking",
		Long: `Run builds the program like 'usagetrace build', executes it with the given
arguments, and exits with its status. The program records usage in the
configured store, so the next build leaves used functions uninstrumented.

  usagetrace run . --listen=:8080
  usagetrace run --store=.usagetrace main.go helper.go`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && wantsHelp(args[:1]) {
				return cmd.Help()
			}
			bc, programArgs, err := parseRunArgs(args)
			if err != nil {
				return err
			}

			binary, err := buildTemporary(cmd.Context(), bc, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = os.Remove(binary) }() // Best effort cleanup

			if code := executeBinary(cmd.Context(), binary, programArgs, runEnv(bc)); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

// parseRunArgs separates source files from program arguments.
//
// The 'go run' command format is:
//
//	go run [build flags] package [arguments...]
//
// Supported forms:
//
//	usagetrace run file.go [arguments...]
//	usagetrace run file1.go file2.go [arguments...]
//	usagetrace run ./cmd/app [arguments...]
//
// Build flags come before the sources. After at least one .go file, the
// first other argument starts the program arguments; without .go files the
// first non-flag argument is the package.
func parseRunArgs(args []string) (*buildConfig, []string, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("no package or source files specified")
	}

	var (
		sourceFiles []string
		programArgs []string
		buildArgs   []string
	)

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]

		if filepath.Ext(arg) == ".go" {
			sourceFiles = append(sourceFiles, arg)
			continue
		}
		if len(sourceFiles) > 0 {
			break
		}
		if strings.HasPrefix(arg, "-") {
			buildArgs = append(buildArgs, arg)
			if (needsValue(arg) || arg == "-o" || arg == "--config" || arg == "--store") && i+1 < len(args) {
				i++
				buildArgs = append(buildArgs, args[i])
			}
			continue
		}
		// A package: the only source.
		sourceFiles = append(sourceFiles, arg)
		i++
		break
	}
	programArgs = append(programArgs, args[i:]...)

	if len(sourceFiles) == 0 {
		return nil, nil, fmt.Errorf("no package or Go source files specified")
	}

	config, err := parseBuildArgs(buildArgs)
	if err != nil {
		return nil, nil, err
	}
	config.sourceFiles = sourceFiles
	return config, programArgs, nil
}

// buildTemporary builds the instrumented program to a temporary binary.
func buildTemporary(ctx context.Context, config *buildConfig, log io.Writer) (string, error) {
	tempBinary, err := os.CreateTemp("", "usagetrace-run-*.exe")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempBinary.Name()
	_ = tempBinary.Close() // Ignore close error on temp file

	config.outputFile = tempPath
	if err := buildProgram(ctx, config, log); err != nil {
		_ = os.Remove(tempPath) // Cleanup on error, ignore removal errors
		return "", err
	}
	return tempPath, nil
}

// runEnv passes the build's configuration on to the program, so it records
// into the store the next build reads.
func runEnv(bc *buildConfig) []string {
	env := os.Environ()
	if bc.configPath != "" {
		if abs, err := filepath.Abs(bc.configPath); err == nil {
			env = append(env, config.EnvConfigPath+"="+abs)
		}
	}
	if bc.storePath != "" {
		if abs, err := filepath.Abs(bc.storePath); err == nil {
			env = append(env, "USAGETRACE_STORE_PATH="+abs)
		}
	}
	return env
}

// executeBinary runs the instrumented binary with given arguments.
//
// This forwards stdin/stdout/stderr to the child process and
// returns the process exit code.
func executeBinary(ctx context.Context, binaryPath string, args, env []string) int {
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "Error executing binary: %v\n", err)
		return 1
	}
	return 0
}
