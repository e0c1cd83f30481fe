package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"contacttrend/internal/config"
	"contacttrend/internal/mq"
	"contacttrend/internal/render"
	"contacttrend/internal/store"
	"contacttrend/internal/version"
)

const wsPath = "/ws"

type RunLister interface {
	ListFetchRuns(ctx context.Context, limit int) ([]store.FetchRun, error)
}

// Bus spreads cache invalidations across replicas.
type Bus interface {
	PublishToExchange(ctx context.Context, exchange string, body []byte) error
	SubscribeFanout(ctx context.Context, exchange string, handler func(context.Context, []byte)) error
}

type ServerOptions struct {
	Runs RunLister
	// Bus may be nil for a single replica.
	Bus      Bus
	Gatherer prometheus.Gatherer
	// Ready reports readiness dependencies such as the ledger database.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg      config.DashboardConfig
	pipeline *Pipeline
	runs     RunLister
	bus      Bus
	hub      *Hub
	gatherer prometheus.Gatherer
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	server   *http.Server
}

func NewServer(cfg config.DashboardConfig, pipeline *Pipeline, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		runs:     opts.Runs,
		bus:      opts.Bus,
		hub:      NewHub(logger),
		gatherer: opts.Gatherer,
		ready:    opts.Ready,
		logger:   logger,
	}
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	router.Use(otelhttp.NewMiddleware("trend-dashboard"))

	router.Get(s.cfg.HealthLivenessEndpoint, s.handleHealth)
	router.Get(s.cfg.HealthReadyEndpoint, s.handleReady)
	router.Get("/version", version.HandleVersion)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	router.Get(wsPath, s.hub.ServeWS)

	router.Get("/", s.handlePage)
	router.Route("/api", func(r chi.Router) {
		r.Get("/trend", s.handleTrend)
		r.Post("/cache/invalidate", s.handleInvalidate)
		r.Get("/runs", s.handleRuns)
	})

	return router
}

func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.bus != nil {
		go func() {
			s.logger.Info("starting invalidation subscriber", "exchange", mq.InvalidationExchange)
			if err := s.bus.SubscribeFanout(ctx, mq.InvalidationExchange, s.handleRemoteInvalidation); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("invalidation subscriber exited", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.cfg.HTTPAddr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	s.handleHealth(w, r)
}

func (s *Server) load(r *http.Request) (*render.Document, State) {
	doc := render.NewDocument()
	state := s.pipeline.Load(store.WithTrigger(r.Context(), "http"), doc)
	return doc, state
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	doc, state := s.load(r)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Trend-State", string(state))
	if err := doc.WriteHTML(w, render.PageOptions{LiveReloadPath: wsPath}); err != nil {
		s.logger.Error("write page", "err", err)
	}
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	doc, state := s.load(r)

	w.Header().Set("X-Trend-State", string(state))
	writeJSON(w, struct {
		State  State          `json:"state"`
		Blocks []render.Block `json:"blocks"`
	}{State: state, Blocks: doc.Blocks()}, http.StatusOK)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}

	ev := mq.NewInvalidationEvent(s.cfg.InstanceName, reason)
	s.invalidateLocal(ev)

	published := false
	if s.bus != nil {
		body, err := ev.Encode()
		if err == nil {
			err = s.bus.PublishToExchange(r.Context(), mq.InvalidationExchange, body)
		}
		if err != nil {
			s.logger.Error("publish invalidation failed", "err", err, "eventId", ev.ID)
		} else {
			published = true
		}
	}

	writeJSON(w, map[string]any{
		"invalidated": true,
		"eventId":     ev.ID,
		"published":   published,
	}, http.StatusAccepted)
}

func (s *Server) handleRemoteInvalidation(_ context.Context, body []byte) {
	ev, err := mq.DecodeInvalidationEvent(body)
	if err != nil {
		s.logger.Warn("discarding invalidation event", "err", err)
		return
	}
	if ev.Origin == s.cfg.InstanceName {
		return
	}
	s.invalidateLocal(ev)
}

func (s *Server) invalidateLocal(ev mq.InvalidationEvent) {
	s.pipeline.Fetcher().Invalidate()
	pages := s.hub.Invalidated(ev)
	s.logger.Info("trend cache invalidated", "eventId", ev.ID, "origin", ev.Origin, "reason", ev.Reason, "pagesNotified", pages)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "fetch-run ledger disabled", http.StatusNotFound)
		return
	}

	limit := s.cfg.RunsListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	runs, err := s.runs.ListFetchRuns(ctx, limit)
	if err != nil {
		s.logger.Error("list fetch runs", "err", err)
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
