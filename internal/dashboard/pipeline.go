// Package dashboard runs page loads (bootstrap, fetch, render) and serves
// them over HTTP.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"contacttrend/internal/bootstrap"
	"contacttrend/internal/render"
	"contacttrend/internal/trend"
	"contacttrend/internal/warehouse"
)

// State is the terminal state of one page load.
type State string

const (
	StateHaltedOnConfigError State = "halted_on_config_error"
	StateRenderedWarning     State = "rendered_warning"
	StateRenderedChart       State = "rendered_chart"
)

// Credential names the secret a page load bootstraps from and the warehouse
// it unlocks. Both only shape the halt message.
type Credential struct {
	SecretName string
	// Warehouse defaults to BigQuery.
	Warehouse trend.Dialect
}

type Bootstrapper interface {
	Bootstrap(ctx context.Context) (warehouse.Client, error)
}

type Pipeline struct {
	boot       Bootstrapper
	fetcher    *trend.Fetcher
	credential Credential
	logger     *slog.Logger
	pageLoads  *prometheus.CounterVec
}

func NewPipeline(boot Bootstrapper, fetcher *trend.Fetcher, cred Credential, reg prometheus.Registerer, logger *slog.Logger) *Pipeline {
	if cred.Warehouse == "" {
		cred.Warehouse = trend.DialectBigQuery
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	pageLoads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trend_page_loads_total",
		Help: "Page loads by terminal state",
	}, []string{"state"})
	reg.MustRegister(pageLoads)

	return &Pipeline{
		boot:       boot,
		fetcher:    fetcher,
		credential: cred,
		logger:     logger,
		pageLoads:  pageLoads,
	}
}

func (p *Pipeline) Fetcher() *trend.Fetcher {
	return p.fetcher
}

// Load runs Bootstrap, Fetch and Render in order. A configuration error halts
// the load before anything is fetched.
func (p *Pipeline) Load(ctx context.Context, sink render.Sink) State {
	sink.Title(render.PageTitle)

	client, err := p.boot.Bootstrap(ctx)
	if err != nil {
		sink.Error(p.configMessage(err))
		p.logger.Error("page load halted", "err", err)
		return p.finish(StateHaltedOnConfigError)
	}
	defer func() {
		if err := client.Close(); err != nil {
			p.logger.Warn("close warehouse client", "err", err)
		}
	}()

	result := p.fetcher.Fetch(ctx, client, sink)
	render.Render(sink, result)

	if result.Empty() {
		return p.finish(StateRenderedWarning)
	}
	return p.finish(StateRenderedChart)
}

func (p *Pipeline) finish(state State) State {
	p.pageLoads.WithLabelValues(string(state)).Inc()
	return state
}

func (p *Pipeline) configMessage(err error) string {
	label := p.credential.Warehouse.Label()
	var cfgErr *bootstrap.ConfigError
	if errors.As(err, &cfgErr) && cfgErr.Missing() {
		return fmt.Sprintf("%s credentials not found in secrets. Please add them as '%s'.", label, p.credential.SecretName)
	}
	return fmt.Sprintf("Error setting up %s credentials: %v", label, err)
}
