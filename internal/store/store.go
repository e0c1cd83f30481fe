// Package store keeps the fetch-run ledger: one row of metadata per warehouse
// execution of the trend query. Result rows are never persisted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"contacttrend/internal/trend"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeEmpty   Outcome = "empty"
	OutcomeFailed  Outcome = "failed"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type FetchRun struct {
	ID         uuid.UUID `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Outcome    Outcome   `json:"outcome"`
	RowCount   int       `json:"rowCount"`
	Error      *string   `json:"error,omitempty"`
	Trigger    string    `json:"trigger"`
}

func (r FetchRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type fetchRunRow struct {
	ID         string         `db:"id"`
	StartedAt  time.Time      `db:"started_at"`
	FinishedAt time.Time      `db:"finished_at"`
	Outcome    string         `db:"outcome"`
	RowCount   int            `db:"row_count"`
	Error      sql.NullString `db:"error"`
	Trigger    string         `db:"trigger_source"`
}

type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ trend.Observer = (*Store)(nil)

func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// DB returns the underlying sqlx.DB for direct queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS trend_fetch_run (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	outcome TEXT NOT NULL,
	row_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NULL,
	trigger_source TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS trend_fetch_run_started_at_idx ON trend_fetch_run (started_at DESC);
`

// Migrate creates the ledger table. The DDL is valid for postgres and sqlite.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate trend_fetch_run: %w", err)
	}
	return nil
}

func (s *Store) RecordFetchRun(ctx context.Context, run FetchRun) (FetchRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()

	var errText sql.NullString
	if run.Error != nil {
		errText = sql.NullString{String: *run.Error, Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO trend_fetch_run (id, started_at, finished_at, outcome, row_count, error, trigger_source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query,
		run.ID.String(), run.StartedAt, run.FinishedAt, string(run.Outcome), run.RowCount, errText, run.Trigger,
	); err != nil {
		return FetchRun{}, fmt.Errorf("insert fetch run: %w", err)
	}
	return run, nil
}

// ListFetchRuns returns the most recent runs, newest first.
func (s *Store) ListFetchRuns(ctx context.Context, limit int) ([]FetchRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := s.db.Rebind(`
		SELECT id, started_at, finished_at, outcome, row_count, error, trigger_source
		FROM trend_fetch_run
		ORDER BY started_at DESC
		LIMIT ?
	`)
	rows := []fetchRunRow{}
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list fetch runs: %w", err)
	}

	runs := make([]FetchRun, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch run id %q: %w", row.ID, err)
		}
		run := FetchRun{
			ID:         id,
			StartedAt:  row.StartedAt.UTC(),
			FinishedAt: row.FinishedAt.UTC(),
			Outcome:    Outcome(row.Outcome),
			RowCount:   row.RowCount,
			Trigger:    row.Trigger,
		}
		if row.Error.Valid {
			msg := row.Error.String
			run.Error = &msg
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ObserveFetch records a warehouse execution. Ledger failures are logged and
// never affect the page load.
func (s *Store) ObserveFetch(ctx context.Context, rec trend.FetchRecord) {
	run := FetchRun{
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		RowCount:   rec.RowCount,
		Outcome:    OutcomeOf(rec),
		Trigger:    TriggerFrom(ctx),
	}
	if rec.Err != nil {
		msg := rec.Err.Error()
		run.Error = &msg
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.RecordFetchRun(writeCtx, run); err != nil {
		s.logger.Error("record fetch run failed", "err", err)
	}
}

func OutcomeOf(rec trend.FetchRecord) Outcome {
	switch {
	case rec.Err != nil:
		return OutcomeFailed
	case rec.RowCount == 0:
		return OutcomeEmpty
	default:
		return OutcomeSuccess
	}
}

type triggerKey struct{}

// WithTrigger tags ctx with what caused a fetch ("http", "cli", ...).
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

func TriggerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(triggerKey{}).(string); ok {
		return v
	}
	return ""
}
