package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/circuitbreaker"
	"github.com/mbd888/infravault/internal/metrics"
	"github.com/mbd888/infravault/internal/retry"
	"github.com/mbd888/infravault/internal/security"
)

// maxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row.
const maxConsecutiveFailures = 20

// Dispatcher sends audit events to matching subscriptions. Register Handle
// with audit.Emitter.Subscribe, which calls it in event order off the
// ledger's request path.
type Dispatcher struct {
	store       Store
	client      *http.Client
	logger      *slog.Logger
	validateURL func(string) error
	breaker     *circuitbreaker.Breaker
	policy      retry.Policy
	parallel    int
	now         func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithURLValidator replaces the SSRF check applied at registration and
// before every delivery.
func WithURLValidator(fn func(string) error) Option {
	return func(d *Dispatcher) { d.validateURL = fn }
}

// WithRetry sets attempts and base backoff per delivery.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.policy.Attempts = attempts
		d.policy.BaseDelay = baseDelay
	}
}

// WithBreaker replaces the per-host circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

func NewDispatcher(store Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		validateURL: security.ValidateEndpointURL,
		breaker:     circuitbreaker.New(circuitbreaker.Config{Threshold: 5, Cooldown: time.Minute}),
		policy:      retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		parallel:    8,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidateURL applies the dispatcher's endpoint policy.
func (d *Dispatcher) ValidateURL(raw string) error {
	return d.validateURL(raw)
}

// Handle delivers one event, logging rather than returning failures.
func (d *Dispatcher) Handle(ev audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := d.Dispatch(ctx, ev); err != nil {
		d.logger.Warn("webhook dispatch failed", "event", ev.Type, "seq", ev.Seq, "error", err)
	}
}

// Dispatch delivers ev to every active subscription that wants it, a few
// at a time, and returns once all deliveries settled. Delivery failures
// are recorded on the subscription, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev audit.Event) error {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	body, err := json.Marshal(Payload{ID: ev.ID, Type: string(ev.Type), Timestamp: ev.CreatedAt, Data: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(d.parallel)
	for _, sub := range subs {
		if !sub.Active || !sub.Wants(ev.Type) {
			continue
		}
		g.Go(func() error {
			d.deliver(ctx, sub, ev, body)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, ev audit.Event, body []byte) {
	if err := d.validateURL(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("blocked").Inc()
		d.fail(ctx, sub, fmt.Sprintf("blocked URL: %v", err), true)
		return
	}

	host := sub.URL
	if u, err := url.Parse(sub.URL); err == nil {
		host = u.Host
	}
	err := d.policy.Do(ctx, func() error {
		err := d.breaker.Do(host, isTransient, func() error {
			return d.post(ctx, sub, ev, body)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		d.succeed(ctx, sub)
	case errors.Is(err, circuitbreaker.ErrOpen):
		// The endpoint is known to be down; skipped deliveries do not
		// count towards disabling the subscription.
		metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
		d.fail(ctx, sub, "skipped: "+host+" circuit open", false)
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.fail(ctx, sub, err.Error(), true)
	}
}

func isTransient(err error) bool { return !retry.IsPermanent(err) }

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, ev audit.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "infravault-webhooks/1")
	req.Header.Set("X-Infravault-Event", string(ev.Type))
	req.Header.Set("X-Infravault-Delivery", ev.ID)
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, sub.Secret, d.now()))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	status := fmt.Errorf("status %d", resp.StatusCode)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return retry.After(status, time.Duration(secs)*time.Second)
		}
		return status
	case resp.StatusCode >= 500:
		return status
	default:
		return retry.Permanent(status)
	}
}

func (d *Dispatcher) succeed(ctx context.Context, sub *Subscription) {
	now := d.now().UTC()
	cp := *sub
	cp.LastSuccess = &now
	cp.LastError = ""
	cp.ConsecutiveFailures = 0
	d.save(ctx, &cp)
}

func (d *Dispatcher) fail(ctx context.Context, sub *Subscription, reason string, counts bool) {
	cp := *sub
	cp.LastError = reason
	if counts {
		cp.ConsecutiveFailures++
	}
	if cp.ConsecutiveFailures >= maxConsecutiveFailures {
		cp.Active = false
		metrics.WebhooksDisabledTotal.Inc()
		d.logger.Warn("webhook disabled after repeated failures", "webhook_id", sub.ID, "url", sub.URL)
	}
	d.save(ctx, &cp)
}

func (d *Dispatcher) save(ctx context.Context, sub *Subscription) {
	if err := d.store.Update(ctx, sub); err != nil && !errors.Is(err, ErrNotFound) {
		d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}
