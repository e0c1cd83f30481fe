// Package cli contains the trendctl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"contacttrend/internal/config"
	"contacttrend/internal/dashboard"
	"contacttrend/internal/logger"
)

// ErrHalted is returned when a page load stops on a configuration error.
var ErrHalted = errors.New("page load halted on configuration error")

// Runtime is what the commands need from a built application.
type Runtime struct {
	Pipeline *dashboard.Pipeline
	Runs     dashboard.RunLister
	Close    func() error
}

// RuntimeFactory builds a Runtime from loaded configuration.
type RuntimeFactory func(ctx context.Context, cfg config.CLIConfig, logger *slog.Logger) (*Runtime, error)

type options struct {
	noColor bool
	verbose bool
}

type env struct {
	factory RuntimeFactory
	opts    options
	cfg     config.CLIConfig
	logger  *slog.Logger
}

// NewRootCommand returns the trendctl command tree.
func NewRootCommand(factory RuntimeFactory) *cobra.Command {
	e := &env{factory: factory}

	root := &cobra.Command{
		Use:   "trendctl",
		Short: "Query and snapshot the distinct contact trend",
		Long: `trendctl runs the dashboard page load from a terminal.

Example usage:
  trendctl query                     # Print the hourly trend as a table
  trendctl render --out trend.html   # Write a static page snapshot
  trendctl runs --limit 10           # Show recent warehouse fetches
  trendctl version                   # Print build information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&e.opts.noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().BoolVarP(&e.opts.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newQueryCmd(e),
		newRenderCmd(e),
		newRunsCmd(e),
		newVersionCmd(),
	)
	return root
}

// load reads configuration and builds the runtime. Logs go to stderr so
// command output stays clean.
func (e *env) load(cmd *cobra.Command) (*Runtime, error) {
	cfg, err := config.LoadCLI()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	e.cfg = cfg

	level := cfg.LogLevel
	if e.opts.verbose {
		level = "debug"
	} else if os.Getenv("LOG_LEVEL") == "" {
		level = "warn"
	}
	format := "text"
	if os.Getenv("LOG_FORMAT") != "" {
		format = cfg.LogFormat
	}
	e.logger = logger.NewWithWriter(cmd.ErrOrStderr(), level, format)

	rt, err := e.factory(cmd.Context(), cfg, e.logger)
	if err != nil {
		return nil, err
	}
	if rt.Close == nil {
		rt.Close = func() error { return nil }
	}
	return rt, nil
}

// useColors defers to fatih/color's terminal detection; --no-color forces it off.
func (e *env) useColors() bool {
	if e.opts.noColor {
		color.NoColor = true
	}
	return !color.NoColor
}
