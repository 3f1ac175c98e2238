package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/security"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func startHub(t *testing.T, opts ...Option) (*Hub, string, context.CancelFunc) {
	t.Helper()
	h := NewHub(discard, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

// subscribed dials and waits for the acknowledgement, after which the
// client is registered with the hub.
func subscribed(t *testing.T, rawURL string) (*websocket.Conn, Frame) {
	t.Helper()
	conn := dial(t, rawURL)
	ack := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, ack.Kind, "first frame: %+v", ack)
	return conn, ack
}

func TestFilter_Matches(t *testing.T) {
	ev := &audit.Event{Seq: 4, Type: audit.EventAnalysisCompleted, NetworkID: 2, AnalysisID: 9}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"type hit", Filter{Types: []audit.EventType{audit.EventAnalysisCompleted}}, true},
		{"type miss", Filter{Types: []audit.EventType{audit.EventResultDecrypted}}, false},
		{"network hit", Filter{NetworkIDs: []uint64{1, 2}}, true},
		{"network miss", Filter{NetworkIDs: []uint64{3}}, false},
		{"analysis miss", Filter{AnalysisIDs: []uint64{8}}, false},
		{"all fields", Filter{Types: []audit.EventType{audit.EventAnalysisCompleted}, NetworkIDs: []uint64{2}, AnalysisIDs: []uint64{9}}, true},
		{"since does not filter live", Filter{SinceSeq: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.matches(ev))
		})
	}
}

func TestFilterFromQuery(t *testing.T) {
	f, err := filterFromQuery(url.Values{
		"types":   {"network.submitted, result.decrypted"},
		"network": {"1,2"},
		"since":   {"40"},
	})
	require.NoError(t, err)
	assert.Equal(t, []audit.EventType{audit.EventNetworkSubmitted, audit.EventResultDecrypted}, f.Types)
	assert.Equal(t, []uint64{1, 2}, f.NetworkIDs)
	assert.Empty(t, f.AnalysisIDs)
	assert.Equal(t, int64(40), f.SinceSeq)

	for _, bad := range []url.Values{
		{"types": {"network.deleted"}},
		{"network": {"abc"}},
		{"analysis": {"0"}},
		{"since": {"-1"}},
		{"since": {"soon"}},
	} {
		_, err := filterFromQuery(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestClient_OfferFiltersAndDedupes(t *testing.T) {
	c := &client{hub: NewHub(discard), send: make(chan []byte, 4), filter: Filter{NetworkIDs: []uint64{5}}}

	assert.True(t, c.offer(&audit.Event{Seq: 1, NetworkID: 5}, []byte("1")))
	assert.True(t, c.offer(&audit.Event{Seq: 1, NetworkID: 5}, []byte("1 again")))
	assert.True(t, c.offer(&audit.Event{Seq: 2, NetworkID: 6}, []byte("other network")))
	assert.True(t, c.offer(&audit.Event{Seq: 3, NetworkID: 5}, []byte("3")))

	require.Len(t, c.send, 2)
	assert.Equal(t, "1", string(<-c.send))
	assert.Equal(t, "3", string(<-c.send))
}

func TestClient_OfferReportsSlowConsumer(t *testing.T) {
	c := &client{hub: NewHub(discard), send: make(chan []byte, 1)}

	assert.True(t, c.offer(&audit.Event{Seq: 1}, []byte("a")))
	assert.False(t, c.offer(&audit.Event{Seq: 2}, []byte("b")))

	c.close()
	c.close()
	assert.True(t, c.offer(&audit.Event{Seq: 3}, []byte("c")), "closed clients are skipped, not reported slow")
}

func TestHub_StreamsLiveEvents(t *testing.T) {
	h, wsURL, _ := startHub(t)
	conn, ack := subscribed(t, wsURL+"?types=result.decrypted")
	assert.Equal(t, []audit.EventType{audit.EventResultDecrypted}, ack.Filter.Types)

	h.Handle(audit.Event{Seq: 1, Type: audit.EventNetworkSubmitted, NetworkID: 1})
	h.Handle(audit.Event{Seq: 2, Type: audit.EventResultDecrypted, NetworkID: 1, AnalysisID: 3})

	f := readFrame(t, conn)
	assert.Equal(t, FrameEvent, f.Kind)
	require.NotNil(t, f.Event)
	assert.Equal(t, int64(2), f.Event.Seq)
	assert.False(t, f.Replay)

	require.Eventually(t, func() bool { return h.Stats().Events == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.Stats().Connected)
}

func TestHub_ReplaysMissedEvents(t *testing.T) {
	emitter := audit.NewEmitter(audit.NewMemoryLog(), discard)
	defer emitter.Close()
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		emitter.Emit(ctx, audit.Event{Type: audit.EventNetworkSubmitted, NetworkID: i})
	}

	h, wsURL, _ := startHub(t, WithHistory(emitter))
	conn := dial(t, wsURL+"?since=1")

	for _, want := range []int64{2, 3} {
		f := readFrame(t, conn)
		require.Equal(t, FrameEvent, f.Kind)
		assert.Equal(t, want, f.Event.Seq)
		assert.True(t, f.Replay)
	}
	ack := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, ack.Kind)
	assert.Equal(t, 2, ack.Replayed)
	assert.False(t, ack.Truncated)

	unsubscribe := emitter.Subscribe("realtime", h.Handle)
	defer unsubscribe()
	emitter.Emit(ctx, audit.Event{Type: audit.EventAnalysisRequested, NetworkID: 3})

	f := readFrame(t, conn)
	assert.Equal(t, int64(4), f.Event.Seq)
	assert.False(t, f.Replay)
}

func TestHub_Resubscribe(t *testing.T) {
	h, wsURL, _ := startHub(t)
	conn, _ := subscribed(t, wsURL)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f.Kind)
	assert.Equal(t, "malformed filter", f.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"types":["bogus"]}`)))
	f = readFrame(t, conn)
	assert.Equal(t, FrameError, f.Kind)
	assert.Contains(t, f.Error, "bogus")

	require.NoError(t, conn.WriteJSON(Filter{NetworkIDs: []uint64{7}}))
	f = readFrame(t, conn)
	require.Equal(t, FrameSubscribed, f.Kind)
	assert.Equal(t, []uint64{7}, f.Filter.NetworkIDs)

	h.Handle(audit.Event{Seq: 10, Type: audit.EventNetworkSubmitted, NetworkID: 8})
	h.Handle(audit.Event{Seq: 11, Type: audit.EventNetworkSubmitted, NetworkID: 7})
	f = readFrame(t, conn)
	assert.Equal(t, uint64(7), f.Event.NetworkID)
}

func TestHub_RejectsBeforeUpgrade(t *testing.T) {
	_, wsURL, _ := startHub(t, WithMaxClients(1))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?network=abc", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	subscribed(t, wsURL)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(discard, WithOrigins(security.ParseOrigins([]string{"https://ops.example.com"})))

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://vault.local:8080", true},
		{"https://ops.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://vault.local:8080/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, h.checkOrigin(r), tt.origin)
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h, wsURL, cancel := startHub(t)
	conn, _ := subscribed(t, wsURL)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	<-h.done
	assert.Equal(t, 0, h.Stats().Connected)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_HandleDropsWhenQueueFull(t *testing.T) {
	h := NewHub(discard)
	for i := 0; i < cap(h.events)+3; i++ {
		h.Handle(audit.Event{Seq: int64(i + 1), Type: audit.EventNetworkSubmitted})
	}
	assert.Equal(t, int64(3), h.Stats().Dropped)
}

type brokenHistory struct{}

func (brokenHistory) List(context.Context, audit.Filter) ([]*audit.Event, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestHub_ReplayFailureReportsTruncated(t *testing.T) {
	_, wsURL, _ := startHub(t, WithHistory(brokenHistory{}))
	conn := dial(t, wsURL+"?since=5")

	ack := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, ack.Kind)
	assert.Zero(t, ack.Replayed)
	assert.True(t, ack.Truncated)
}
