// Package app wires configuration into a ready page-load pipeline. Both
// binaries share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"contacttrend/internal/alerts"
	"contacttrend/internal/bootstrap"
	"contacttrend/internal/config"
	"contacttrend/internal/dashboard"
	"contacttrend/internal/db"
	"contacttrend/internal/secrets"
	"contacttrend/internal/store"
	"contacttrend/internal/trend"
	"contacttrend/internal/warehouse"
)

type App struct {
	Pipeline *dashboard.Pipeline
	Store    *store.Store
	Notifier *alerts.Notifier

	ledgerDB *sqlx.DB
	logger   *slog.Logger
}

// Build opens the ledger database and assembles the pipeline. The caller
// owns the returned App and must Close it.
func Build(ctx context.Context, cfg config.Common, reg prometheus.Registerer, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fileSecrets, err := secrets.LoadFile(cfg.SecretsFile)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	secretStore := secrets.Chain{secrets.NewEnvStore(), fileSecrets}

	ledgerDB, err := db.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect ledger database: %w", err)
	}

	st := store.New(ledgerDB, logger)
	if err := st.Migrate(ctx); err != nil {
		_ = ledgerDB.Close()
		return nil, err
	}

	notifier := alerts.New(alerts.Options{
		WebhookURL:   cfg.AlertWebhookURL,
		DedupeWindow: cfg.AlertDedupeWindow,
		Source:       cfg.InstanceName,
	}, logger)

	observers := []trend.Observer{st}
	if notifier.Enabled() {
		observers = append(observers, notifier)
	}

	fetcher := trend.NewFetcher(trend.Options{
		Dataset:      cfg.Warehouse.DatasetID,
		TTL:          cfg.CacheTTL,
		QueryTimeout: cfg.QueryTimeout,
		Registerer:   reg,
		Observers:    observers,
	}, logger)

	boot := bootstrap.New(secretStore, warehouseFactory(cfg, ledgerDB, logger), bootstrap.Options{
		SecretName: cfg.SecretName,
		Mode:       cfg.Credential.Mode,
		Dir:        cfg.Credential.Dir,
		ExportEnv:  cfg.Credential.ExportEnv,
	}, logger)

	logger.Info("pipeline ready",
		"warehouse", cfg.Warehouse.Driver,
		"credentialMode", cfg.Credential.Mode,
		"cacheTTL", cfg.CacheTTL,
		"alerts", notifier.Enabled(),
	)

	return &App{
		Pipeline: dashboard.NewPipeline(boot, fetcher, dashboard.Credential{
			SecretName: cfg.SecretName,
			Warehouse:  warehouseDialect(cfg),
		}, reg, logger),
		Store:    st,
		Notifier: notifier,
		ledgerDB: ledgerDB,
		logger:   logger,
	}, nil
}

func warehouseFactory(cfg config.Common, ledgerDB *sqlx.DB, logger *slog.Logger) warehouse.Factory {
	if cfg.Warehouse.Driver != config.WarehouseSQL {
		return warehouse.BigQueryFactory{}
	}
	if cfg.Warehouse.DatabaseURL == cfg.DatabaseURL {
		return warehouse.SQLFactory{Conn: ledgerDB}
	}
	return warehouse.SQLFactory{DatabaseURL: cfg.Warehouse.DatabaseURL, Logger: logger}
}

// warehouseDialect names the warehouse a page load talks to.
func warehouseDialect(cfg config.Common) trend.Dialect {
	if cfg.Warehouse.Driver != config.WarehouseSQL {
		return trend.DialectBigQuery
	}
	if driver, _, err := db.ParseURL(cfg.Warehouse.DatabaseURL); err == nil && driver == db.DriverSQLite {
		return trend.DialectSQLite
	}
	return trend.DialectPostgres
}

// Ready pings the ledger database.
func (a *App) Ready(ctx context.Context) error {
	return a.ledgerDB.PingContext(ctx)
}

// Close waits for pending alerts and closes the ledger database.
func (a *App) Close() error {
	a.Notifier.Wait()
	return a.ledgerDB.Close()
}
