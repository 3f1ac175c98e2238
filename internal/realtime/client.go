package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/metrics"
)

const (
	sendBuffer = 256
	maxHeld    = 1024 // live events parked while a replay is in progress
	readLimit  = 64 << 10
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// client is one WebSocket connection. Frames are queued on send and
// written by writePump; lastSeq suppresses duplicates between replayed and
// live events.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu        sync.Mutex
	filter    Filter
	lastSeq   int64
	replaying bool
	held      []*audit.Event
	closed    bool
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	return &client{hub: h, conn: conn, remote: remote, send: make(chan []byte, sendBuffer)}
}

// offer queues a live event. It returns false when the client cannot keep
// up and should be disconnected.
func (c *client) offer(ev *audit.Event, frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.filter.matches(ev) {
		return true
	}
	if c.replaying {
		if len(c.held) >= maxHeld {
			return false
		}
		c.held = append(c.held, ev)
		return true
	}
	if !c.pushLocked(ev.Seq, frame) {
		return false
	}
	metrics.RealtimeFramesTotal.WithLabelValues("live").Inc()
	return true
}

// pushLocked queues a frame without blocking. Events at or below lastSeq
// were already sent and are skipped; seq 0 marks control frames.
func (c *client) pushLocked(seq int64, frame []byte) bool {
	if c.closed {
		return false
	}
	if seq > 0 && seq <= c.lastSeq {
		return true
	}
	select {
	case c.send <- frame:
		if seq > c.lastSeq {
			c.lastSeq = seq
		}
		return true
	default:
		return false
	}
}

func (c *client) control(f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushLocked(0, data)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// subscribe installs f, replays history when asked and acknowledges.
// A rejected filter is reported to the client and leaves the old one in
// place. The returned error means the connection should be dropped.
func (c *client) subscribe(f Filter) error {
	if err := f.validate(); err != nil {
		c.control(Frame{Kind: FrameError, Error: err.Error()})
		return nil
	}

	replay := f.SinceSeq > 0 && c.hub.history != nil
	c.mu.Lock()
	c.filter = f
	c.held = nil
	c.replaying = replay
	if f.SinceSeq > c.lastSeq {
		c.lastSeq = f.SinceSeq
	}
	c.mu.Unlock()

	ack := Frame{Kind: FrameSubscribed, Filter: &f}
	if replay {
		n, truncated, err := c.replay(f)
		if err != nil {
			return err
		}
		ack.Replayed, ack.Truncated = n, truncated
	}
	if !c.control(ack) {
		return errSlowConsumer
	}
	return nil
}

func (c *client) replay(f Filter) (int, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()
	backlog, err := c.hub.history.List(ctx, audit.Filter{AfterSeq: f.SinceSeq, Limit: replayLimit})

	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.held, c.replaying = nil, false
	// A failed read is reported as a truncated replay: the client may have
	// missed events and should fall back to /v1/events.
	truncated := len(backlog) == replayLimit
	if err != nil {
		c.hub.logger.Warn("realtime replay failed", "remote", c.remote, "since", f.SinceSeq, "error", err)
		truncated = true
	}

	n := 0
	for _, ev := range backlog {
		if !f.matches(ev) || ev.Seq <= c.lastSeq {
			continue
		}
		if !c.pushLocked(ev.Seq, mustFrame(Frame{Kind: FrameEvent, Event: ev, Replay: true})) {
			return n, false, errSlowConsumer
		}
		n++
	}
	metrics.RealtimeFramesTotal.WithLabelValues("replay").Add(float64(n))
	for _, ev := range held {
		if !c.pushLocked(ev.Seq, mustFrame(Frame{Kind: FrameEvent, Event: ev})) {
			return n, false, errSlowConsumer
		}
	}
	return n, truncated, nil
}

func mustFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

func (c *client) readPump(initial Filter) {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	if err := c.subscribe(initial); err != nil {
		return
	}

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "remote", c.remote, "error", err)
			}
			return
		}
		var f Filter
		if err := json.Unmarshal(msg, &f); err != nil {
			c.control(Frame{Kind: FrameError, Error: "malformed filter"})
			continue
		}
		if err := c.subscribe(f); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("websocket write error", "remote", c.remote, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
