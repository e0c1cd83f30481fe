package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"contacttrend/internal/mq"
)

const (
	noticeInvalidated = "trend.invalidated"

	noticeWriteWait = 10 * time.Second
	pageIdleWait    = 60 * time.Second
	pagePingPeriod  = (pageIdleWait * 9) / 10
	pageBacklog     = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PageNotice tells an open page that the trend it shows is stale.
type PageNotice struct {
	Type    string    `json:"type"`
	EventID uuid.UUID `json:"eventId"`
	Origin  string    `json:"origin"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

func invalidatedNotice(ev mq.InvalidationEvent) PageNotice {
	return PageNotice{
		Type:    noticeInvalidated,
		EventID: ev.ID,
		Origin:  ev.Origin,
		Reason:  ev.Reason,
		At:      ev.At,
	}
}

// Hub holds one websocket per open dashboard page. Pages only listen; the
// hub pushes a PageNotice whenever the cached trend is dropped.
type Hub struct {
	mu     sync.Mutex
	pages  map[*livePage]struct{}
	closed bool
	logger *slog.Logger
}

type livePage struct {
	conn    *websocket.Conn
	notices chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		pages:  make(map[*livePage]struct{}),
		logger: logger,
	}
}

// Pages reports how many pages are listening.
func (h *Hub) Pages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}

// Invalidated pushes ev to every open page and returns how many took it. A
// page whose backlog is full is skipped; it reloads on the notice it has.
func (h *Hub) Invalidated(ev mq.InvalidationEvent) int {
	payload, err := json.Marshal(invalidatedNotice(ev))
	if err != nil {
		h.logger.Error("encode page notice", "err", err, "eventId", ev.ID)
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for p := range h.pages {
		select {
		case p.notices <- payload:
			delivered++
		default:
		}
	}
	if skipped := len(h.pages) - delivered; skipped > 0 {
		h.logger.Debug("pages skipped invalidation notice", "skipped", skipped, "eventId", ev.ID)
	}
	return delivered
}

// Close sends a going-away frame to every page and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for p := range h.pages {
		delete(h.pages, p)
		close(p.notices)
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("page websocket upgrade failed", "err", err)
		return
	}

	p := &livePage{conn: conn, notices: make(chan []byte, pageBacklog)}
	if !h.attach(p) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(noticeWriteWait))
		_ = conn.Close()
		return
	}

	go h.push(p)
	go h.listen(p)
}

func (h *Hub) attach(p *livePage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.pages[p] = struct{}{}
	h.logger.Debug("page attached", "pages", len(h.pages))
	return true
}

func (h *Hub) detach(p *livePage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pages[p]; !ok {
		return
	}
	delete(h.pages, p)
	close(p.notices)
	h.logger.Debug("page detached", "pages", len(h.pages))
}

// push writes notices and keepalive pings until the page is detached.
func (h *Hub) push(p *livePage) {
	ticker := time.NewTicker(pagePingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-p.notices:
			_ = p.conn.SetWriteDeadline(time.Now().Add(noticeWriteWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(noticeWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// listen consumes inbound frames so pongs extend the idle deadline. A read
// error detaches the page.
func (h *Hub) listen(p *livePage) {
	defer h.detach(p)

	p.conn.SetReadLimit(512)
	_ = p.conn.SetReadDeadline(time.Now().Add(pageIdleWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pageIdleWait))
	})

	for {
		if _, _, err := p.conn.NextReader(); err != nil {
			return
		}
	}
}
