package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"

	"contacttrend/internal/bootstrap"
	"contacttrend/internal/config"
	"contacttrend/internal/dashboard"
	"contacttrend/internal/render"
	"contacttrend/internal/store"
	"contacttrend/internal/trend"
	"contacttrend/internal/warehouse"
)

type stubClient struct {
	rows []trend.Row
}

func (c stubClient) Dialect() trend.Dialect { return trend.DialectBigQuery }
func (c stubClient) ProjectID() string      { return "analytics-prod" }
func (c stubClient) Close() error           { return nil }
func (c stubClient) QueryHourly(context.Context, string) ([]trend.Row, error) {
	return c.rows, nil
}

type stubBootstrapper struct {
	client warehouse.Client
	err    error
}

func (b stubBootstrapper) Bootstrap(context.Context) (warehouse.Client, error) {
	return b.client, b.err
}

type stubRuns struct {
	runs []store.FetchRun
}

func (s stubRuns) ListFetchRuns(_ context.Context, limit int) ([]store.FetchRun, error) {
	if limit < len(s.runs) {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}

func factoryFor(boot dashboard.Bootstrapper, runs dashboard.RunLister) RuntimeFactory {
	return func(_ context.Context, cfg config.CLIConfig, logger *slog.Logger) (*Runtime, error) {
		reg := prometheus.NewRegistry()
		fetcher := trend.NewFetcher(trend.Options{Dataset: cfg.Warehouse.DatasetID, Registerer: reg}, logger)
		return &Runtime{
			Pipeline: dashboard.NewPipeline(boot, fetcher, dashboard.Credential{SecretName: cfg.SecretName}, reg, logger),
			Runs:     runs,
		}, nil
	}
}

func execute(t *testing.T, factory RuntimeFactory, args ...string) (string, string, error) {
	t.Helper()
	setNoColor(t, true)

	var stdout, stderr bytes.Buffer
	root := NewRootCommand(factory)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// setNoColor pins fatih/color's global switch for one test.
func setNoColor(t *testing.T, off bool) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = off
	t.Cleanup(func() { color.NoColor = prev })
}

var chartRows = []trend.Row{{Hour: 0, DistinctCount: 5}, {Hour: 3, DistinctCount: 2}}

func TestQueryPrintsTable(t *testing.T) {
	stdout, stderr, err := execute(t, factoryFor(stubBootstrapper{client: stubClient{rows: chartRows}}, nil), "query")
	if err != nil {
		t.Fatalf("query failed: %v (stderr %q)", err, stderr)
	}
	for _, want := range []string{render.PageTitle, render.XAxisLabel, "5", "3"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestQueryEmptyResultWarns(t *testing.T) {
	_, stderr, err := execute(t, factoryFor(stubBootstrapper{client: stubClient{}}, nil), "query")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !strings.Contains(stderr, "[WARN] "+render.EmptyWarning) {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestNoColorFlagDisablesColors(t *testing.T) {
	factory := factoryFor(stubBootstrapper{client: stubClient{}}, nil)
	run := func(args ...string) string {
		setNoColor(t, false)
		var stdout, stderr bytes.Buffer
		root := NewRootCommand(factory)
		root.SetOut(&stdout)
		root.SetErr(&stderr)
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			t.Fatalf("%v failed: %v", args, err)
		}
		return stderr.String()
	}

	if got := run("query"); !strings.Contains(got, "⚠ "+render.EmptyWarning) {
		t.Fatalf("colored stderr = %q", got)
	}
	if got := run("--no-color", "query"); !strings.Contains(got, "[WARN] "+render.EmptyWarning) {
		t.Fatalf("plain stderr = %q", got)
	}
	if !color.NoColor {
		t.Fatal("--no-color did not switch fatih/color off")
	}
}

func TestQueryHaltReturnsErrHalted(t *testing.T) {
	boot := stubBootstrapper{err: &bootstrap.ConfigError{Message: "secret missing", Err: bootstrap.ErrMissingCredential}}
	_, stderr, err := execute(t, factoryFor(boot, nil), "query")
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
	if !strings.Contains(stderr, "[ERROR] BigQuery credentials not found in secrets.") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestQueryJSON(t *testing.T) {
	stdout, _, err := execute(t, factoryFor(stubBootstrapper{client: stubClient{rows: chartRows}}, nil), "query", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		State  dashboard.State `json:"state"`
		Blocks []render.Block  `json:"blocks"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if out.State != dashboard.StateRenderedChart || len(out.Blocks) != 3 {
		t.Fatalf("out = %+v", out)
	}
}

func TestRenderWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trend.html")
	_, stderr, err := execute(t, factoryFor(stubBootstrapper{client: stubClient{rows: chartRows}}, nil), "render", "--out", path)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	page, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(page), `"tickPositions":[0,3]`) {
		t.Fatalf("page missing tick positions:\n%s", page)
	}
	if !strings.Contains(stderr, string(dashboard.StateRenderedChart)) {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRenderHaltStillWritesPage(t *testing.T) {
	boot := stubBootstrapper{err: &bootstrap.ConfigError{Message: "bad key"}}
	stdout, _, err := execute(t, factoryFor(boot, nil), "render", "--out", "-")
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
	if !strings.Contains(stdout, "Error setting up BigQuery credentials: bad key") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunsTable(t *testing.T) {
	failure := "query: boom"
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	runs := stubRuns{runs: []store.FetchRun{
		{StartedAt: started, FinishedAt: started.Add(1500 * time.Millisecond), Outcome: store.OutcomeFailed, Error: &failure, Trigger: "http"},
		{StartedAt: started.Add(-time.Hour), FinishedAt: started.Add(-time.Hour), Outcome: store.OutcomeSuccess, RowCount: 24, Trigger: "cli"},
	}}

	stdout, _, err := execute(t, factoryFor(stubBootstrapper{}, runs), "runs", "--limit", "1")
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	for _, want := range []string{"OUTCOME", "failed", "1.5s", failure} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if strings.Contains(stdout, "success") {
		t.Errorf("limit not applied:\n%s", stdout)
	}
}

func TestRunsWithoutLedger(t *testing.T) {
	if _, _, err := execute(t, factoryFor(stubBootstrapper{}, nil), "runs"); err == nil {
		t.Fatal("runs succeeded without a ledger")
	}
}

func TestVersion(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, out string)
	}{
		{
			name: "default",
			args: []string{"version"},
			check: func(t *testing.T, out string) {
				if !strings.HasPrefix(out, "trendctl dev") {
					t.Fatalf("out = %q", out)
				}
			},
		},
		{
			name: "short",
			args: []string{"version", "--short"},
			check: func(t *testing.T, out string) {
				if strings.TrimSpace(out) != "dev" {
					t.Fatalf("out = %q", out)
				}
			},
		},
		{
			name: "json",
			args: []string{"version", "--json"},
			check: func(t *testing.T, out string) {
				var info map[string]string
				if err := json.Unmarshal([]byte(out), &info); err != nil {
					t.Fatalf("invalid JSON: %v", err)
				}
				for _, key := range []string{"version", "commit", "buildDate", "goVersion"} {
					if _, ok := info[key]; !ok {
						t.Errorf("missing key %q in %v", key, info)
					}
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, nil, tt.args...)
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, out)
		})
	}
}
