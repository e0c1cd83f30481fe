package trend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const cacheKey = "hourly-distinct-contacts:7d"

var tracer = otel.Tracer("contacttrend/trend")

// errAbandoned is returned to callers that joined a flight whose owner left
// before it started. They retry with their own querier.
var errAbandoned = errors.New("trend fetch abandoned before start")

const (
	flightPending int32 = iota
	flightRunning
	flightAbandoned
)

// Querier runs the trend statement against a warehouse.
type Querier interface {
	Dialect() Dialect
	QueryHourly(ctx context.Context, stmt string) ([]Row, error)
}

// Reporter receives user-visible error text.
type Reporter interface {
	Error(text string)
}

// FetchRecord describes one warehouse execution. Cache hits produce none.
type FetchRecord struct {
	StartedAt  time.Time
	FinishedAt time.Time
	RowCount   int
	Err        error
}

type Observer interface {
	ObserveFetch(ctx context.Context, rec FetchRecord)
}

type Options struct {
	Dataset string
	// TTL bounds how long a fetched result is served. Zero keeps it for the
	// lifetime of the process.
	TTL          time.Duration
	QueryTimeout time.Duration
	Registerer   prometheus.Registerer
	Observers    []Observer
}

type Fetcher struct {
	dataset      string
	queryTimeout time.Duration
	cache        *expirable.LRU[string, Result]
	group        singleflight.Group
	observers    []Observer

	// mu orders cache writes against Invalidate; gen counts invalidations.
	mu  sync.Mutex
	gen uint64

	logger       *slog.Logger
	metrics      fetcherMetrics
}

type fetcherMetrics struct {
	fetches       *prometheus.CounterVec
	cacheHits     prometheus.Counter
	queryDuration prometheus.Histogram
}

func NewFetcher(opts Options, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	metrics := fetcherMetrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_fetch_total",
			Help: "Warehouse executions of the trend query by outcome",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trend_cache_hits_total",
			Help: "Fetches answered from the in-memory cache",
		}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trend_query_duration_seconds",
			Help:    "Wall time of the trend query including row decoding",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	opts.Registerer.MustRegister(metrics.fetches, metrics.cacheHits, metrics.queryDuration)

	return &Fetcher{
		dataset:      opts.Dataset,
		queryTimeout: opts.QueryTimeout,
		// size 1: the query takes no parameters so only one entry can exist
		cache:     expirable.NewLRU[string, Result](1, nil, opts.TTL),
		observers: opts.Observers,
		logger:    logger,
		metrics:   metrics,
	}
}

// Fetch returns the cached Result or runs the query once. Failures are
// reported through rep and recovered into an empty Result; they are not cached.
//
// Concurrent callers share one execution. It runs detached from the caller's
// cancellation, bounded by the query timeout, so one caller going away does
// not fail the others. A caller whose ctx ends first stops waiting, unless its
// own querier is the one executing, in which case it waits so q stays usable.
func (f *Fetcher) Fetch(ctx context.Context, q Querier, rep Reporter) Result {
	for {
		if res, ok := f.cache.Get(cacheKey); ok {
			f.metrics.cacheHits.Inc()
			return res
		}

		res, shared, err := f.join(ctx, q)
		if errors.Is(err, errAbandoned) {
			continue
		}
		if err != nil {
			f.logger.Warn("trend fetch failed", "err", err, "shared", shared)
			if rep != nil {
				rep.Error(userMessage(q, err))
			}
			return Result{}
		}
		return res
	}
}

func (f *Fetcher) join(ctx context.Context, q Querier) (Result, bool, error) {
	var state atomic.Int32
	ch := f.group.DoChan(cacheKey, func() (any, error) {
		if !state.CompareAndSwap(flightPending, flightRunning) {
			return Result{}, errAbandoned
		}
		if res, ok := f.cache.Get(cacheKey); ok {
			return res, nil
		}
		gen := f.generation()
		res, err := f.execute(context.WithoutCancel(ctx), q)
		if err != nil {
			return Result{}, err
		}
		f.store(gen, res)
		return res, nil
	})

	select {
	case r := <-ch:
		return r.Val.(Result), r.Shared, r.Err
	case <-ctx.Done():
		if state.CompareAndSwap(flightPending, flightAbandoned) {
			return Result{}, false, &QueryError{Stage: "query", Err: ctx.Err()}
		}
		r := <-ch
		return r.Val.(Result), r.Shared, r.Err
	}
}

// Invalidate drops the cached result so the next Fetch queries again. A fetch
// already in flight still answers its callers but is not cached.
func (f *Fetcher) Invalidate() {
	f.mu.Lock()
	f.gen++
	f.cache.Remove(cacheKey)
	f.mu.Unlock()
	f.group.Forget(cacheKey)
	f.logger.Info("trend cache invalidated")
}

// Cached reports the current cache entry without querying.
func (f *Fetcher) Cached() (Result, bool) {
	return f.cache.Peek(cacheKey)
}

func (f *Fetcher) generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *Fetcher) store(gen uint64, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		f.logger.Debug("discarding result fetched before invalidation")
		return
	}
	f.cache.Add(cacheKey, res)
}

func (f *Fetcher) execute(ctx context.Context, q Querier) (Result, error) {
	if q == nil {
		return Result{}, &QueryError{Stage: "query", Err: errors.New("no warehouse client")}
	}

	stmt, err := Statement(q.Dialect(), f.dataset)
	if err != nil {
		return Result{}, &QueryError{Stage: "build statement", Err: err}
	}

	if f.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.queryTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "warehouse.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", string(q.Dialect())),
			attribute.String("db.collection.name", MessagesTable),
		),
	)
	defer span.End()

	started := time.Now().UTC()
	rows, err := q.QueryHourly(ctx, stmt)
	if err == nil {
		rows, err = Normalize(rows)
		if err != nil {
			err = &QueryError{Stage: "decode rows", Err: err}
		}
	} else {
		err = &QueryError{Stage: "query", Err: err}
	}
	finished := time.Now().UTC()
	f.metrics.queryDuration.Observe(finished.Sub(started).Seconds())

	rec := FetchRecord{StartedAt: started, FinishedAt: finished, RowCount: len(rows), Err: err}
	if err != nil {
		rec.RowCount = 0
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.fetches.WithLabelValues("failed").Inc()
	} else if len(rows) == 0 {
		f.metrics.fetches.WithLabelValues("empty").Inc()
	} else {
		f.metrics.fetches.WithLabelValues("success").Inc()
	}
	span.SetAttributes(attribute.Int("trend.rows", rec.RowCount))

	for _, obs := range f.observers {
		obs.ObserveFetch(ctx, rec)
	}

	if err != nil {
		return Result{}, err
	}

	f.logger.Info("trend fetched", "rows", len(rows), "duration", finished.Sub(started))
	return Result{Rows: rows, FetchedAt: finished}, nil
}

func userMessage(q Querier, err error) string {
	source := "the warehouse"
	if q != nil {
		source = q.Dialect().Label()
	}
	return fmt.Sprintf("Error fetching data from %s: %v", source, err)
}
