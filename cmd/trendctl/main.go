package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"contacttrend/internal/app"
	"contacttrend/internal/cli"
	"contacttrend/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(buildRuntime)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		stop()
		os.Exit(1)
	}
}

func buildRuntime(ctx context.Context, cfg config.CLIConfig, logger *slog.Logger) (*cli.Runtime, error) {
	a, err := app.Build(ctx, cfg.Common, prometheus.NewRegistry(), logger)
	if err != nil {
		return nil, err
	}
	return &cli.Runtime{
		Pipeline: a.Pipeline,
		Runs:     a.Store,
		Close:    a.Close,
	}, nil
}
