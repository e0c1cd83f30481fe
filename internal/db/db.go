package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"

	pingTimeout = 5 * time.Second
)

// Connect opens a sqlx.DB and pings it with exponential backoff. Postgres
// gets two minutes to come up; sqlite fails fast.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	driver, normalized, err := ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		if err := ensureSQLiteDir(normalized); err != nil {
			return nil, fmt.Errorf("prepare sqlite database path: %w", err)
		}
	}

	var conn *sqlx.DB
	open := func() error {
		candidate, err := sqlx.Open(driver, normalized)
		if err != nil {
			return backoff.Permanent(err)
		}
		tunePool(candidate, driver)

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := candidate.PingContext(pingCtx); err != nil {
			_ = candidate.Close()
			return err
		}
		conn = candidate
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxElapsedTime = 2 * time.Minute
	if driver == DriverSQLite {
		exp.MaxElapsedTime = 5 * time.Second
	}

	if err := backoff.Retry(open, backoff.WithContext(exp, ctx)); err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}

	logger.Info("connected to database", "driver", driver)
	return conn, nil
}

func tunePool(conn *sqlx.DB, driver string) {
	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
		return
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(30 * time.Minute)
}

// ParseURL maps a database URL to a registered driver name and DSN.
func ParseURL(dsn string) (driver, normalized string, err error) {
	raw := strings.TrimSpace(dsn)
	if raw == "" {
		return "", "", fmt.Errorf("database url is required")
	}

	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return DriverPostgres, raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if strings.TrimSpace(path) == "" {
			return "", "", fmt.Errorf("sqlite database path is required")
		}
		return DriverSQLite, sqliteDSN(path), nil
	case strings.HasPrefix(raw, "file:"):
		return DriverSQLite, withPragmas(raw), nil
	case strings.HasSuffix(raw, ".db"), strings.HasSuffix(raw, ".sqlite"), strings.HasSuffix(raw, ".sqlite3"):
		return DriverSQLite, sqliteDSN(raw), nil
	default:
		// keyword/value DSNs such as "host=... dbname=..."
		return DriverPostgres, raw, nil
	}
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return withPragmas("file::memory:?cache=shared")
	}
	if strings.HasPrefix(path, "file:") {
		return withPragmas(path)
	}
	return withPragmas("file:" + path)
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimSpace(path)
	if path == "" || strings.EqualFold(path, ":memory:") {
		return nil
	}

	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
