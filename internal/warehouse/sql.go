package warehouse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"contacttrend/internal/db"
	"contacttrend/internal/trend"
)

type sqlRow struct {
	MessageHour               int64 `db:"message_hour"`
	DistinctContactPhoneCount int64 `db:"distinct_contact_phone_count"`
}

// SQLClient runs the trend statement against a postgres or sqlite copy of
// the messages table. It is meant for local development and tests.
type SQLClient struct {
	db        *sqlx.DB
	projectID string
	owned     bool
}

// NewSQLClient wraps an open handle; Close leaves it open.
func NewSQLClient(conn *sqlx.DB, projectID string) *SQLClient {
	return &SQLClient{db: conn, projectID: projectID}
}

// SQLFactory hands out clients over Conn when set, otherwise it connects to
// DatabaseURL for every client. The credential Spec only contributes the
// project id.
type SQLFactory struct {
	Conn        *sqlx.DB
	DatabaseURL string
	Logger      *slog.Logger
}

func (f SQLFactory) NewClient(ctx context.Context, spec Spec) (Client, error) {
	if f.Conn != nil {
		return NewSQLClient(f.Conn, projectOrLocal(spec.ProjectID)), nil
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Connect(ctx, f.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("open sql warehouse: %w", err)
	}
	return &SQLClient{db: conn, projectID: projectOrLocal(spec.ProjectID), owned: true}, nil
}

func projectOrLocal(projectID string) string {
	if projectID == "" {
		return "local"
	}
	return projectID
}

func (c *SQLClient) Dialect() trend.Dialect {
	switch c.db.DriverName() {
	case "sqlite":
		return trend.DialectSQLite
	default:
		return trend.DialectPostgres
	}
}

func (c *SQLClient) ProjectID() string {
	return c.projectID
}

func (c *SQLClient) QueryHourly(ctx context.Context, stmt string) ([]trend.Row, error) {
	var scanned []sqlRow
	if err := c.db.SelectContext(ctx, &scanned, stmt); err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}

	rows := make([]trend.Row, 0, len(scanned))
	for _, r := range scanned {
		rows = append(rows, trend.Row{Hour: int(r.MessageHour), DistinctCount: r.DistinctContactPhoneCount})
	}
	return rows, nil
}

func (c *SQLClient) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}
