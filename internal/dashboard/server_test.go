package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"contacttrend/internal/config"
	"contacttrend/internal/mq"
	"contacttrend/internal/render"
	"contacttrend/internal/store"
	"contacttrend/internal/trend"
)

type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
	err       error
}

func (b *fakeBus) PublishToExchange(_ context.Context, exchange string, body []byte) error {
	if exchange != mq.InvalidationExchange {
		return errors.New("unexpected exchange " + exchange)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, body)
	return b.err
}

func (b *fakeBus) SubscribeFanout(ctx context.Context, _ string, _ func(context.Context, []byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeRuns struct {
	limit int
	runs  []store.FetchRun
	err   error
}

func (f *fakeRuns) ListFetchRuns(_ context.Context, limit int) ([]store.FetchRun, error) {
	f.limit = limit
	return f.runs, f.err
}

func testConfig() config.DashboardConfig {
	cfg := config.DashboardConfig{
		HTTPAddr:               ":0",
		RequestTimeout:         5 * time.Second,
		HealthLivenessEndpoint: "/healthz",
		HealthReadyEndpoint:    "/readyz",
	}
	cfg.InstanceName = "replica-a"
	cfg.RunsListLimit = 50
	return cfg
}

type serverFixture struct {
	server *Server
	http   *httptest.Server
	calls  *atomic.Int32
	bus    *fakeBus
	runs   *fakeRuns
}

func newServerFixture(t *testing.T, opts ServerOptions) *serverFixture {
	t.Helper()

	calls := &atomic.Int32{}
	client := &fakeClient{rows: []trend.Row{{Hour: 0, DistinctCount: 5}, {Hour: 3, DistinctCount: 2}}, calls: calls}
	reg := prometheus.NewRegistry()
	fetcher := trend.NewFetcher(trend.Options{Dataset: "918448497760", Registerer: reg}, nil)
	pipeline := NewPipeline(&fakeBootstrapper{client: client}, fetcher, Credential{SecretName: "bigquery_credentials"}, reg, nil)

	bus, _ := opts.Bus.(*fakeBus)
	runs, _ := opts.Runs.(*fakeRuns)
	opts.Gatherer = reg

	srv := NewServer(testConfig(), pipeline, opts, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &serverFixture{server: srv, http: ts, calls: calls, bus: bus, runs: runs}
}

func TestServerTrendJSON(t *testing.T) {
	fx := newServerFixture(t, ServerOptions{})

	resp, err := http.Get(fx.http.URL + "/api/trend")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Trend-State"); got != string(StateRenderedChart) {
		t.Fatalf("X-Trend-State = %q", got)
	}

	var body struct {
		State  State          `json:"state"`
		Blocks []render.Block `json:"blocks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.State != StateRenderedChart || len(body.Blocks) != 3 {
		t.Fatalf("body = %+v", body)
	}
	chart := body.Blocks[2].Chart
	if chart == nil || len(chart.XTicks) != 2 || chart.XTicks[0] != 0 || chart.XTicks[1] != 3 {
		t.Fatalf("chart = %+v", chart)
	}
}

func TestServerPage(t *testing.T) {
	fx := newServerFixture(t, ServerOptions{})

	resp, err := http.Get(fx.http.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("content type = %q", resp.Header.Get("Content-Type"))
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), render.PageTitle) || !strings.Contains(buf.String(), "Highcharts.chart") {
		t.Fatalf("page missing chart: %s", buf.String())
	}
}

func TestServerInvalidateForcesRequery(t *testing.T) {
	fx := newServerFixture(t, ServerOptions{Bus: &fakeBus{}})

	get := func() {
		resp, err := http.Get(fx.http.URL + "/api/trend")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	get()
	get()
	if fx.calls.Load() != 1 {
		t.Fatalf("query calls = %d, want 1 before invalidation", fx.calls.Load())
	}

	resp, err := http.Post(fx.http.URL+"/api/cache/invalidate?reason=backfill", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	get()
	if fx.calls.Load() != 2 {
		t.Fatalf("query calls = %d, want 2 after invalidation", fx.calls.Load())
	}

	if len(fx.bus.published) != 1 {
		t.Fatalf("published = %d, want 1", len(fx.bus.published))
	}
	ev, err := mq.DecodeInvalidationEvent(fx.bus.published[0])
	if err != nil {
		t.Fatal(err)
	}
	if ev.Origin != "replica-a" || ev.Reason != "backfill" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRemoteInvalidationIgnoresOwnEvents(t *testing.T) {
	fx := newServerFixture(t, ServerOptions{})
	fetcher := fx.server.pipeline.Fetcher()

	fetcher.Fetch(context.Background(), &fakeClient{rows: []trend.Row{{Hour: 1, DistinctCount: 1}}, calls: &atomic.Int32{}}, nil)

	own, _ := mq.NewInvalidationEvent("replica-a", "manual").Encode()
	fx.server.handleRemoteInvalidation(context.Background(), own)
	if _, ok := fetcher.Cached(); !ok {
		t.Fatal("own event invalidated the cache")
	}

	fx.server.handleRemoteInvalidation(context.Background(), []byte("garbage"))
	if _, ok := fetcher.Cached(); !ok {
		t.Fatal("malformed event invalidated the cache")
	}

	other, _ := mq.NewInvalidationEvent("replica-b", "manual").Encode()
	fx.server.handleRemoteInvalidation(context.Background(), other)
	if _, ok := fetcher.Cached(); ok {
		t.Fatal("remote event did not invalidate the cache")
	}
}

func TestServerBroadcastsInvalidationToWebsocket(t *testing.T) {
	fx := newServerFixture(t, ServerOptions{})

	wsURL := "ws" + strings.TrimPrefix(fx.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fx.server.Hub().Pages() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(fx.http.URL+"/api/cache/invalidate?reason=backfill", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		EventID string `json:"eventId"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notice PageNotice
	if err := conn.ReadJSON(&notice); err != nil {
		t.Fatalf("read: %v", err)
	}
	if notice.Type != "trend.invalidated" || notice.Origin != "replica-a" || notice.Reason != "backfill" {
		t.Fatalf("notice = %+v", notice)
	}
	if notice.EventID.String() != body.EventID {
		t.Fatalf("notice event %s, response event %s", notice.EventID, body.EventID)
	}
}

func TestHubCloseSendsGoingAway(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Pages() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("page never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Close()
	if got := hub.Invalidated(mq.NewInvalidationEvent("replica-a", "manual")); got != 0 {
		t.Fatalf("Invalidated() after Close reached %d pages", got)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read error = %v, want going-away close", err)
	}
}

func TestServerRuns(t *testing.T) {
	failure := "query: boom"
	runs := &fakeRuns{runs: []store.FetchRun{{Outcome: store.OutcomeFailed, Error: &failure, Trigger: "http"}}}
	fx := newServerFixture(t, ServerOptions{Runs: runs})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{name: "default limit", query: "", wantStatus: http.StatusOK, wantLimit: 50},
		{name: "explicit limit", query: "?limit=5", wantStatus: http.StatusOK, wantLimit: 5},
		{name: "invalid limit", query: "?limit=abc", wantStatus: http.StatusBadRequest},
		{name: "zero limit", query: "?limit=0", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs.limit = 0
			resp, err := http.Get(fx.http.URL + "/api/runs" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if runs.limit != tt.wantLimit {
				t.Fatalf("limit = %d, want %d", runs.limit, tt.wantLimit)
			}
			var got []store.FetchRun
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Outcome != store.OutcomeFailed {
				t.Fatalf("runs = %+v", got)
			}
		})
	}
}

func TestServerRunsDisabled(t *testing.T) {
	fx := newServerFixture(t, ServerOptions{})

	resp, err := http.Get(fx.http.URL + "/api/runs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServerHealthAndReady(t *testing.T) {
	var ready atomic.Bool
	fx := newServerFixture(t, ServerOptions{Ready: func(context.Context) error {
		if !ready.Load() {
			return errors.New("db down")
		}
		return nil
	}})

	tests := []struct {
		path  string
		ready bool
		want  int
	}{
		{path: "/healthz", want: http.StatusOK},
		{path: "/readyz", ready: false, want: http.StatusServiceUnavailable},
		{path: "/readyz", ready: true, want: http.StatusOK},
		{path: "/version", want: http.StatusOK},
		{path: "/metrics", want: http.StatusOK},
	}

	for _, tt := range tests {
		ready.Store(tt.ready)
		resp, err := http.Get(fx.http.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("GET %s (ready=%v) = %d, want %d", tt.path, tt.ready, resp.StatusCode, tt.want)
		}
	}
}
