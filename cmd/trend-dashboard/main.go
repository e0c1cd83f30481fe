package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"contacttrend/internal/app"
	"contacttrend/internal/config"
	"contacttrend/internal/dashboard"
	"contacttrend/internal/logger"
	"contacttrend/internal/mq"
	"contacttrend/internal/telemetry"
	"contacttrend/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDashboard()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logg := logger.New(cfg.LogLevel, cfg.LogFormat)
	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:  "trend-dashboard",
		InstanceName: cfg.InstanceName,
		Version:      version.Version,
	}, logg)
	if err != nil {
		logg.Error("opentelemetry init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logg.Error("opentelemetry shutdown failed", "err", err)
		}
	}()

	a, err := app.Build(ctx, cfg.Common, prometheus.DefaultRegisterer, logg)
	if err != nil {
		logg.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	opts := dashboard.ServerOptions{
		Runs:  a.Store,
		Ready: a.Ready,
	}
	if cfg.RabbitURL != "" {
		mqClient := mq.NewClient(cfg.RabbitURL, cfg.InstanceName, logg)
		defer mqClient.Close()
		opts.Bus = mqClient
	} else {
		logg.Info("cache invalidation fan-out disabled", "reason", "RABBITMQ_URL not set")
	}

	server := dashboard.NewServer(cfg, a.Pipeline, opts, logg)
	if err := server.Run(ctx); err != nil {
		logg.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	logg.Info("shutting down")
}
