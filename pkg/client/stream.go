package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WatchFilter selects streamed events. Zero fields match everything.
// SinceSeq > 0 replays stored events after that sequence number first.
type WatchFilter struct {
	Types       []string
	NetworkIDs  []uint64
	AnalysisIDs []uint64
	SinceSeq    int64
}

// StopWatch may be returned by a Watch callback to end the stream
// without an error.
var StopWatch = errors.New("client: stop watching")

type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }

type streamFrame struct {
	Kind  string `json:"kind"`
	Event *Event `json:"event"`
	Error string `json:"error"`
}

// Watch streams ledger events to fn until ctx is cancelled or fn returns
// an error. Dropped connections are redialled with backoff and resume
// after the last delivered sequence number, so fn sees each event once
// and in order. Handshake rejections and filter errors are not retried.
func (c *Client) Watch(ctx context.Context, f WatchFilter, fn func(Event) error) error {
	failures := 0
	for {
		n, err := c.watchOnce(ctx, &f, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var cb *callbackError
		if errors.As(err, &cb) {
			if errors.Is(cb.err, StopWatch) {
				return nil
			}
			return cb.err
		}
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return apiErr
		}

		if n > 0 {
			failures = 0
		}
		failures++
		if failures >= max(c.attempts, 1) {
			return fmt.Errorf("event stream: %w", err)
		}
		delay := min(c.retryDelay<<failures, 10*time.Second)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) watchOnce(ctx context.Context, f *WatchFilter, fn func(Event) error) (int, error) {
	u, err := c.streamURL(*f)
	if err != nil {
		return 0, err
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return 0, &Error{
				StatusCode: resp.StatusCode,
				Kind:       http.StatusText(resp.StatusCode),
				Message:    strings.TrimSpace(string(body)),
			}
		}
		return 0, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	n := 0
	for {
		var fr streamFrame
		if err := conn.ReadJSON(&fr); err != nil {
			return n, err
		}
		switch fr.Kind {
		case "event":
			if fr.Event == nil || fr.Event.Seq <= f.SinceSeq {
				continue
			}
			if err := fn(*fr.Event); err != nil {
				return n, &callbackError{err}
			}
			f.SinceSeq = fr.Event.Seq
			n++
		case "error":
			return n, &Error{StatusCode: http.StatusBadRequest, Kind: "invalid_filter", Message: fr.Error}
		}
	}
}

func (c *Client) streamURL(f WatchFilter) (string, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := url.Values{}
	if len(f.Types) > 0 {
		q.Set("types", strings.Join(f.Types, ","))
	}
	if len(f.NetworkIDs) > 0 {
		q.Set("network", joinIDs(f.NetworkIDs))
	}
	if len(f.AnalysisIDs) > 0 {
		q.Set("analysis", joinIDs(f.AnalysisIDs))
	}
	if f.SinceSeq > 0 {
		q.Set("since", strconv.FormatInt(f.SinceSeq, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}
