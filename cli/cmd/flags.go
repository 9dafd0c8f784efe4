// Package cmd provides CLI commands for the shuttle binary.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shuttle/cli/config"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/runtime"
	"github.com/pithecene-io/shuttle/types"
)

// Shared flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// ConfigFlag points at a shuttle.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to shuttle.yaml",
		EnvVars: []string{"SHUTTLE_CONFIG"},
	}

	// LogLevelFlag overrides log_level from the config file.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}
)

// ReadOnlyFlags returns the shared flags for commands that only report.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag}
}

// loadConfig reads --config, or returns defaults when it is unset.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(ConfigFlag.Name)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger builds the root logger; --log-level wins over the file.
func newLogger(c *cli.Context, cfg *config.Config) (*log.Logger, error) {
	level := cfg.LogLevel
	if c.IsSet(LogLevelFlag.Name) {
		level = c.String(LogLevelFlag.Name)
	}
	logger, err := log.New(log.Options{Level: level})
	if err != nil {
		return nil, types.NewError(types.ErrConfiguration, "log_level", err)
	}
	return logger, nil
}

// exitError maps err to a cli.Exit carrying the process exit code:
// configuration errors exit 2, everything else 1.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		return err
	}
	if errors.Is(err, types.ErrConfiguration) {
		return cli.Exit(fmt.Sprintf("configuration error: %v", err), runtime.ExitCodeConfiguration)
	}
	return cli.Exit(fmt.Sprintf("error: %v", err), runtime.ExitCodeFailure)
}

// isStderrTTY reports whether stderr is a terminal.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
