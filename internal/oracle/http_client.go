package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/infravault/internal/circuitbreaker"
	"github.com/mbd888/infravault/internal/ciphertext"
	"github.com/mbd888/infravault/internal/retry"
	"github.com/mbd888/infravault/internal/traces"
)

// HTTPClient submits decryption and encryption requests to an oracle
// relayer over HTTP. Submissions are retried on transport errors, 5xx and
// 429 (honouring Retry-After); it never retries a request the relayer
// acknowledged.
type HTTPClient struct {
	baseURL      string
	callbackBase string
	apiKey       string
	httpClient   *http.Client
	breaker      *circuitbreaker.Breaker
	attempts     int
	baseDelay    time.Duration
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithRetry sets the attempt count and base backoff.
func WithRetry(attempts int, baseDelay time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		h.attempts = attempts
		h.baseDelay = baseDelay
	}
}

// WithBreaker shares a circuit breaker with other clients.
func WithBreaker(b *circuitbreaker.Breaker) HTTPOption {
	return func(h *HTTPClient) { h.breaker = b }
}

// NewHTTPClient creates a relayer client. callbackBase is this ledger's
// public base URL; the relayer posts results to
// {callbackBase}/v1/oracle/callbacks/{route}.
func NewHTTPClient(baseURL, callbackBase, apiKey string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		callbackBase: strings.TrimRight(callbackBase, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		breaker:      circuitbreaker.New(circuitbreaker.Config{}),
		attempts:     3,
		baseDelay:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type decryptRequest struct {
	Handles     []ciphertext.Handle `json:"handles"`
	CallbackURL string              `json:"callbackUrl"`
}

type decryptResponse struct {
	RequestID RequestID `json:"requestId"`
}

type encryptRequest struct {
	Value uint64 `json:"value"`
}

type encryptResponse struct {
	Handle ciphertext.Handle `json:"handle"`
}

// CallbackURL returns where the relayer must deliver results for route.
func (h *HTTPClient) CallbackURL(route Route) string {
	return h.callbackBase + "/v1/oracle/callbacks/" + string(route)
}

func (h *HTTPClient) RequestDecryption(ctx context.Context, req Request) (RequestID, error) {
	if !req.Route.Valid() {
		return "", fmt.Errorf("oracle: invalid route %q", req.Route)
	}
	var resp decryptResponse
	err := h.post(ctx, "/v1/decrypt", decryptRequest{
		Handles:     req.Handles,
		CallbackURL: h.CallbackURL(req.Route),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", fmt.Errorf("%w: relayer returned empty request id", ErrUnavailable)
	}
	return resp.RequestID, nil
}

func (h *HTTPClient) Encrypt(ctx context.Context, value uint64) (ciphertext.Handle, error) {
	var resp encryptResponse
	if err := h.post(ctx, "/v1/encrypt", encryptRequest{Value: value}, &resp); err != nil {
		return ciphertext.Handle{}, err
	}
	if err := resp.Handle.Validate(); err != nil {
		return ciphertext.Handle{}, fmt.Errorf("relayer returned bad handle: %w", err)
	}
	return resp.Handle, nil
}

// statusError is a non-2xx relayer response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relayer error (%d): %s", e.code, e.body)
}

func (h *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	countsAsFailure := func(err error) bool { return !retry.IsPermanent(err) }

	policy := retry.Policy{Attempts: h.attempts, BaseDelay: h.baseDelay, MaxDelay: 5 * time.Second}
	err = policy.Do(ctx, func() error {
		return h.breaker.Do(h.baseURL, countsAsFailure, func() error {
			return h.postOnce(ctx, path, body, out)
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: circuit open for %s", ErrUnavailable, h.baseURL)
	}
	var se *statusError
	if errors.As(err, &se) && (se.code >= 500 || se.code == http.StatusTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (h *HTTPClient) postOnce(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	traces.Inject(ctx, req.Header)
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return retry.After(se, time.Duration(secs)*time.Second)
		}
		return se
	}
	if resp.StatusCode >= 400 {
		return retry.Permanent(&statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))})
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode relayer response: %w", err))
	}
	return nil
}

var (
	_ Client    = (*HTTPClient)(nil)
	_ Encryptor = (*HTTPClient)(nil)
)
