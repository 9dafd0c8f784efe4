// Package main provides the shuttle CLI entrypoint.
//
// Usage:
//
//	shuttle <command> [options]
//
// Exit codes:
//   - 0: success, or the sender stopped on request
//   - 1: runtime failure (unreachable fixed target, broken event source, ...)
//   - 2: configuration or usage error
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shuttle/cli/cmd"
	"github.com/pithecene-io/shuttle/runtime"
	"github.com/pithecene-io/shuttle/types"
)

// Version and commit are set via ldflags at build time.
var (
	version = ""
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.App {
	commands := []*cli.Command{
		cmd.ServeCommand(),
		cmd.ReceiveCommand(),
		cmd.StatusCommand(),
		cmd.VersionCommand(version, commit),
	}
	for _, c := range commands {
		c.OnUsageError = usageError
	}
	return &cli.App{
		Name:           "shuttle",
		Usage:          "Multiplex file arrival events to dynamically attached consumers",
		Version:        fmt.Sprintf("%s (protocol %s, commit: %s)", version, types.Version, commit),
		ExitErrHandler: exitErrHandler,
		OnUsageError:   usageError,
		Commands:       commands,
	}
}

// usageError turns flag parsing failures into exit code 2.
func usageError(_ *cli.Context, err error, _ bool) error {
	return cli.Exit(fmt.Sprintf("usage error: %v", err), runtime.ExitCodeConfiguration)
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}

// exitCode maps an error that did not carry its own code. Usage errors
// from flag parsing land here as plain errors.
func exitCode(err error) int {
	var exitCoder cli.ExitCoder
	switch {
	case err == nil:
		return runtime.ExitCodeOK
	case errors.As(err, &exitCoder):
		return exitCoder.ExitCode()
	case errors.Is(err, types.ErrConfiguration):
		return runtime.ExitCodeConfiguration
	default:
		return runtime.ExitCodeFailure
	}
}
