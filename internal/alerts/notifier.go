package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"contacttrend/internal/trend"
)

const (
	defaultHTTPTimeout  = 4 * time.Second
	defaultDedupeWindow = 5 * time.Minute
	dispatchTimeout     = 5 * time.Second
)

type Options struct {
	WebhookURL   string
	DedupeWindow time.Duration
	Source       string
	Client       *http.Client
}

// Notifier posts failed trend fetches to a webhook. A zero WebhookURL
// disables it.
type Notifier struct {
	webhookURL   string
	dedupeWindow time.Duration
	source       string
	client       *http.Client
	logger       *slog.Logger

	mu         sync.Mutex
	recentSent map[string]time.Time
	wg         sync.WaitGroup
}

type outboundAlert struct {
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Timestamp string         `json:"timestamp"`
	DedupeKey string         `json:"dedupeKey,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

var _ trend.Observer = (*Notifier)(nil)

func New(opts Options, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DedupeWindow == 0 {
		opts.DedupeWindow = defaultDedupeWindow
	}
	if opts.Source == "" {
		opts.Source = "contacttrend"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Notifier{
		webhookURL:   opts.WebhookURL,
		dedupeWindow: opts.DedupeWindow,
		source:       opts.Source,
		client:       opts.Client,
		logger:       logger,
		recentSent:   make(map[string]time.Time),
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

// ObserveFetch sends failed fetches in the background so the page load is
// not held up by the webhook.
func (n *Notifier) ObserveFetch(_ context.Context, rec trend.FetchRecord) {
	if rec.Err == nil || !n.Enabled() {
		return
	}
	n.wg.Add(1)
	go func(err error, at time.Time) {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := n.notify(ctx, err, at); err != nil {
			n.logger.Error("webhook alert send failed", "err", err, "event", "trend_fetch_failed")
		}
	}(rec.Err, rec.FinishedAt)
}

// notifyFetchFailure sends one alert for err unless an identical alert went
// out inside the dedupe window.
func (n *Notifier) notifyFetchFailure(ctx context.Context, err error) error {
	if err == nil || !n.Enabled() {
		return nil
	}
	return n.notify(ctx, err, time.Now().UTC())
}

// Wait blocks until background sends have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) notify(ctx context.Context, err error, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	alert := outboundAlert{
		Event:     "trend_fetch_failed",
		Title:     "Trend fetch failed",
		Message:   err.Error(),
		Severity:  "error",
		Timestamp: at.UTC().Format(time.RFC3339),
		DedupeKey: "trend_fetch_failed:" + err.Error(),
		Details:   map[string]any{"table": trend.MessagesTable},
	}
	if n.dedupeWindow > 0 && n.shouldSuppress(alert.DedupeKey, n.dedupeWindow) {
		n.logger.Debug("alert suppressed", "dedupeKey", alert.DedupeKey)
		return nil
	}
	return n.sendWebhook(ctx, alert)
}

func (n *Notifier) shouldSuppress(key string, window time.Duration) bool {
	now := time.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, ts := range n.recentSent {
		if now.Sub(ts) > window {
			delete(n.recentSent, k)
		}
	}

	if ts, ok := n.recentSent[key]; ok && now.Sub(ts) <= window {
		return true
	}
	n.recentSent[key] = now
	return false
}

func (n *Notifier) sendWebhook(ctx context.Context, alert outboundAlert) error {
	payload := map[string]any{
		"source":  n.source,
		"channel": "webhook",
		"alert":   alert,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
