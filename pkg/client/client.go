package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/infravault/internal/retry"
)

// Client talks to an infravault server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	attempts   int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets how often idempotent reads are retried on transport
// errors and 5xx responses. attempts <= 1 disables retries.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.retryDelay = baseDelay
	}
}

// New creates a client for the server at baseURL (e.g.
// "http://localhost:8080") authenticating with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		attempts:   3,
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get retries 5xx, 429 and transport failures; mutations are sent once
// since the server does not deduplicate them.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	policy := retry.Policy{Attempts: max(c.attempts, 1), BaseDelay: c.retryDelay, MaxDelay: 10 * time.Second}
	return policy.Do(ctx, func() error {
		err := c.do(ctx, http.MethodGet, path, query, nil, out)
		var apiErr *Error
		switch {
		case !errors.As(err, &apiErr):
			return err
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return retry.After(err, apiErr.RetryAfter)
		case apiErr.StatusCode < 500:
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Kind == "" {
			apiErr.Kind = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func idPath(prefix string, id uint64, suffix string) string {
	return prefix + strconv.FormatUint(id, 10) + suffix
}

// Info returns server metadata. It needs no API key.
func (c *Client) Info(ctx context.Context) (*ServerInfo, error) {
	var out ServerInfo
	if err := c.get(ctx, "/v1/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Encrypt mints ciphertext handles on a development server running the
// in-process oracle.
func (c *Client) Encrypt(ctx context.Context, values ...uint64) ([]string, error) {
	var out struct {
		Handles []string `json:"handles"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/dev/encrypt", nil, map[string]any{"values": values}, &out); err != nil {
		return nil, err
	}
	return out.Handles, nil
}

// SubmitNetwork records a new encrypted network.
func (c *Client) SubmitNetwork(ctx context.Context, in SubmitNetworkInput) (*Network, error) {
	var out struct {
		Network Network `json:"network"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/networks", nil, in, &out); err != nil {
		return nil, err
	}
	return &out.Network, nil
}

// GetNetwork fetches a network by ID.
func (c *Client) GetNetwork(ctx context.Context, id uint64) (*Network, error) {
	var out struct {
		Network Network `json:"network"`
	}
	if err := c.get(ctx, idPath("/v1/networks/", id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out.Network, nil
}

// ListNetworks pages through networks in ID order. Pass the returned
// cursor as after to get the next page; it is 0 when the page was empty.
func (c *Client) ListNetworks(ctx context.Context, after uint64, limit int) ([]Network, uint64, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Networks  []Network `json:"networks"`
		NextAfter uint64    `json:"nextAfter"`
	}
	if err := c.get(ctx, "/v1/networks", q, &out); err != nil {
		return nil, 0, err
	}
	return out.Networks, out.NextAfter, nil
}

// NetworkStatus returns the derived lifecycle state of a network.
func (c *Client) NetworkStatus(ctx context.Context, id uint64) (*NetworkStatus, error) {
	var out struct {
		Status NetworkStatus `json:"status"`
	}
	if err := c.get(ctx, idPath("/v1/networks/", id, "/status"), nil, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// RequestAnalysis asks the oracle to compute risk for a network and
// returns the oracle request ID.
func (c *Client) RequestAnalysis(ctx context.Context, networkID uint64) (string, error) {
	var out struct {
		RequestID string `json:"requestId"`
	}
	if err := c.do(ctx, http.MethodPost, idPath("/v1/networks/", networkID, "/analysis"), nil, nil, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// GetAnalysis fetches an analysis by ID.
func (c *Client) GetAnalysis(ctx context.Context, id uint64) (*Analysis, error) {
	var out struct {
		Analysis Analysis `json:"analysis"`
	}
	if err := c.get(ctx, idPath("/v1/analyses/", id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out.Analysis, nil
}

// GetResult fetches the reveal slot of an analysis.
func (c *Client) GetResult(ctx context.Context, analysisID uint64) (*Result, error) {
	var out struct {
		Result Result `json:"result"`
	}
	if err := c.get(ctx, idPath("/v1/analyses/", analysisID, "/result"), nil, &out); err != nil {
		return nil, err
	}
	return &out.Result, nil
}

// RequestReveal asks the oracle to decrypt an analysis publicly and
// returns the oracle request ID.
func (c *Client) RequestReveal(ctx context.Context, analysisID uint64) (string, error) {
	var out struct {
		RequestID string `json:"requestId"`
	}
	if err := c.do(ctx, http.MethodPost, idPath("/v1/analyses/", analysisID, "/reveal"), nil, nil, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// ListEvents queries the audit log.
func (c *Client) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.NetworkID > 0 {
		q.Set("networkId", strconv.FormatUint(f.NetworkID, 10))
	}
	if f.AnalysisID > 0 {
		q.Set("analysisId", strconv.FormatUint(f.AnalysisID, 10))
	}
	if f.Since > 0 {
		q.Set("since", strconv.FormatInt(f.Since, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/events", q, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// ListReceipts returns the receipts issued for an analysis.
func (c *Client) ListReceipts(ctx context.Context, analysisID uint64) ([]Receipt, error) {
	var out struct {
		Receipts []Receipt `json:"receipts"`
	}
	if err := c.get(ctx, idPath("/v1/analyses/", analysisID, "/receipts"), nil, &out); err != nil {
		return nil, err
	}
	return out.Receipts, nil
}

// VerifyReceipt checks the server's stored copy of a receipt.
func (c *Client) VerifyReceipt(ctx context.Context, receiptID string) (*ReceiptVerification, error) {
	return c.verifyReceipt(ctx, map[string]any{"receiptId": receiptID})
}

// VerifyReceiptCopy checks a receipt held outside the server. It is valid
// only when its signature holds and it matches the server's copy.
func (c *Client) VerifyReceiptCopy(ctx context.Context, r *Receipt) (*ReceiptVerification, error) {
	return c.verifyReceipt(ctx, map[string]any{"receipt": r})
}

func (c *Client) verifyReceipt(ctx context.Context, body map[string]any) (*ReceiptVerification, error) {
	var out struct {
		Verification ReceiptVerification `json:"verification"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/receipts/verify", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Verification, nil
}

// CreateWebhook registers a callback URL. The returned secret signs every
// delivery and is shown only once.
func (c *Client) CreateWebhook(ctx context.Context, target string, events []string) (*Webhook, string, error) {
	var out struct {
		Webhook Webhook `json:"webhook"`
		Secret  string  `json:"secret"`
	}
	body := map[string]any{"url": target, "events": events}
	if err := c.do(ctx, http.MethodPost, "/v1/webhooks", nil, body, &out); err != nil {
		return nil, "", err
	}
	return &out.Webhook, out.Secret, nil
}

// ListWebhooks returns the caller's webhooks.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var out struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	if err := c.get(ctx, "/v1/webhooks", nil, &out); err != nil {
		return nil, err
	}
	return out.Webhooks, nil
}

// EnableWebhook reactivates a webhook the server disabled after repeated
// delivery failures.
func (c *Client) EnableWebhook(ctx context.Context, id string) (*Webhook, error) {
	var out struct {
		Webhook Webhook `json:"webhook"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/webhooks/"+url.PathEscape(id)+"/enable", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Webhook, nil
}

// DeleteWebhook removes one of the caller's webhooks.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(id), nil, nil, nil)
}

// ListPending lists outstanding oracle requests older than olderThan,
// oldest first. Requires the admin scope.
func (c *Client) ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]PendingRequest, error) {
	q := url.Values{}
	if olderThan > 0 {
		q.Set("olderThan", olderThan.String())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Requests []PendingRequest `json:"requests"`
	}
	if err := c.get(ctx, "/v1/admin/pending", q, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// ExpirePending retires a pending request ahead of the janitor. A callback
// presented for it afterwards is rejected as unknown.
func (c *Client) ExpirePending(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/pending/"+url.PathEscape(requestID)+"/expire", nil, nil, nil)
}

// Reconcile runs a tracker/ledger consistency check on the server.
func (c *Client) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	var out struct {
		Report ReconciliationReport `json:"report"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/admin/reconcile", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Report, nil
}

// WaitForStatus polls a network until it reaches want (or a later state)
// or ctx is done.
func (c *Client) WaitForStatus(ctx context.Context, networkID uint64, want string, interval time.Duration) (*NetworkStatus, error) {
	target := statusRank(want)
	if target < 0 {
		return nil, fmt.Errorf("unknown status %q", want)
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.NetworkStatus(ctx, networkID)
		if err != nil {
			return nil, err
		}
		if statusRank(st.Status) >= target {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("waiting for %s (at %s): %w", want, st.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func statusRank(s string) int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusAnalysisRequested:
		return 1
	case StatusAnalyzed:
		return 2
	case StatusRevealRequested:
		return 3
	case StatusRevealed:
		return 4
	default:
		return -1
	}
}
