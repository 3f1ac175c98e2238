// Package realtime streams ledger audit events to WebSocket clients.
//
// Operators watch submissions, oracle round trips and reveals as they
// happen instead of polling /v1/events. A client that reconnects with the
// last sequence number it saw gets the missed events replayed from the
// audit log before live delivery resumes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/metrics"
	"github.com/mbd888/infravault/internal/security"
)

const (
	DefaultMaxClients = 10000

	// replayLimit caps how many stored events one subscription replays.
	replayLimit   = 1000
	replayTimeout = 5 * time.Second
)

var (
	errHubStopped   = errors.New("realtime: hub stopped")
	errHubFull      = errors.New("realtime: too many connections")
	errSlowConsumer = errors.New("realtime: client send buffer full")
)

// History is the stored event log replays are read from.
type History interface {
	List(ctx context.Context, f audit.Filter) ([]*audit.Event, error)
}

// FrameKind tags what a Frame carries.
type FrameKind string

const (
	FrameEvent      FrameKind = "event"
	FrameSubscribed FrameKind = "subscribed"
	FrameError      FrameKind = "error"
)

// Frame is the JSON message written to clients.
type Frame struct {
	Kind      FrameKind    `json:"kind"`
	Event     *audit.Event `json:"event,omitempty"`
	Replay    bool         `json:"replay,omitempty"`
	Filter    *Filter      `json:"filter,omitempty"`
	Replayed  int          `json:"replayed,omitempty"`
	Truncated bool         `json:"truncated,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int64 `json:"peak"`
	Sessions  int64 `json:"sessions"`
	Events    int64 `json:"events"`
	Dropped   int64 `json:"dropped"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithHistory enables replay from the audit log.
func WithHistory(h History) Option { return func(hub *Hub) { hub.history = h } }

// WithOrigins allows browser connections from the given origins in
// addition to same-host pages.
func WithOrigins(o security.Origins) Option { return func(hub *Hub) { hub.origins = o } }

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(hub *Hub) {
		if n > 0 {
			hub.maxClients = n
		}
	}
}

// Hub fans audit events out to connected clients.
type Hub struct {
	logger     *slog.Logger
	history    History
	origins    security.Origins
	maxClients int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	stopped bool

	events chan *audit.Event
	done   chan struct{}

	peak     atomic.Int64
	sessions atomic.Int64
	seen     atomic.Int64
	dropped  atomic.Int64
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:     logger,
		maxClients: DefaultMaxClients,
		clients:    make(map[*client]struct{}),
		events:     make(chan *audit.Event, 256),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run delivers events until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("realtime hub stopped")
			return
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

// Handle is an audit.Emitter subscriber. Events are dropped when the hub
// falls behind rather than stalling the emitter.
func (h *Hub) Handle(ev audit.Event) {
	select {
	case h.events <- &ev:
	default:
		h.dropped.Add(1)
		metrics.RealtimeFramesTotal.WithLabelValues("dropped").Inc()
		h.logger.Warn("realtime queue full, dropping event", "seq", ev.Seq, "type", ev.Type)
	}
}

func (h *Hub) fanOut(ev *audit.Event) {
	h.seen.Add(1)
	frame, err := json.Marshal(Frame{Kind: FrameEvent, Event: ev})
	if err != nil {
		h.logger.Error("encode event frame", "seq", ev.Seq, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.offer(ev, frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.dropped.Add(1)
		metrics.RealtimeFramesTotal.WithLabelValues("dropped").Inc()
		h.logger.Warn("disconnecting slow realtime client", "remote", c.remote)
		h.remove(c)
	}
}

func (h *Hub) add(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.stopped:
		return errHubStopped
	case len(h.clients) >= h.maxClients:
		return errHubFull
	}
	h.clients[c] = struct{}{}
	n := int64(len(h.clients))
	if n > h.peak.Load() {
		h.peak.Store(n)
	}
	h.sessions.Add(1)
	metrics.RealtimeClients.Set(float64(n))
	return nil
}

// remove disconnects c. Safe to call more than once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		metrics.RealtimeClients.Set(float64(n))
		h.logger.Debug("realtime client disconnected", "remote", c.remote, "connected", n)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.stopped = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	metrics.RealtimeClients.Set(0)
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		Connected: n,
		Peak:      h.peak.Load(),
		Sessions:  h.sessions.Load(),
		Events:    h.seen.Load(),
		Dropped:   h.dropped.Load(),
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // not a browser
	}
	return security.SameHost(origin, r.Host) || h.origins.Allows(origin)
}

// HandleWebSocket upgrades the request and starts streaming. The initial
// filter comes from the query string; clients may send a Filter as a text
// frame at any time to replace it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	initial, err := filterFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Stats().Connected >= h.maxClients {
		http.Error(w, errHubFull.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(h, conn, r.RemoteAddr)
	if err := h.add(c); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	h.logger.Debug("realtime client connected", "remote", c.remote)

	go c.writePump()
	go c.readPump(initial)
}
