// Package webhooks pushes audit events to HTTP endpoints registered by
// API-key owners. Each delivery is a signed JSON POST; see Sign for the
// signature scheme receivers verify.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/infravault/internal/audit"
)

var (
	ErrNotFound = errors.New("webhooks: subscription not found")

	ErrBadSignature   = errors.New("webhooks: signature mismatch")
	ErrStaleSignature = errors.New("webhooks: signature timestamp outside tolerance")
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>".
const SignatureHeader = "X-Infravault-Signature"

// Payload is the JSON body POSTed to subscribers.
type Payload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      audit.Event `json:"data"`
}

type Subscription struct {
	ID                  string            `json:"id"`
	Owner               string            `json:"owner"`
	URL                 string            `json:"url"`
	Secret              string            `json:"-"`
	Events              []audit.EventType `json:"events"`
	Active              bool              `json:"active"`
	CreatedAt           time.Time         `json:"createdAt"`
	LastSuccess         *time.Time        `json:"lastSuccess,omitempty"`
	LastError           string            `json:"lastError,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
}

// Wants reports whether the subscription covers an event type. No event
// types means all of them.
func (s *Subscription) Wants(t audit.EventType) bool {
	return len(s.Events) == 0 || slices.Contains(s.Events, t)
}

// Store persists subscriptions. List methods return subscriptions oldest
// first.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Sign returns the signature header value for payload sent at ts. The MAC
// covers "<unix seconds>.<body>" so a captured delivery cannot be replayed
// later under a fresh timestamp.
func Sign(payload []byte, secret string, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + mac(unix, payload, secret)
}

// Verify checks a signature header against the received body. Deliveries
// signed more than tolerance away from now are rejected.
func Verify(header string, payload []byte, secret string, now time.Time, tolerance time.Duration) error {
	var unix, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch k {
		case "t":
			unix = v
		case "v1":
			sig = v
		}
	}
	secs, err := strconv.ParseInt(unix, 10, 64)
	if err != nil || sig == "" {
		return fmt.Errorf("%w: malformed header", ErrBadSignature)
	}
	if !hmac.Equal([]byte(sig), []byte(mac(unix, payload, secret))) {
		return ErrBadSignature
	}
	if skew := now.Sub(time.Unix(secs, 0)); skew > tolerance || skew < -tolerance {
		return ErrStaleSignature
	}
	return nil
}

func mac(unix string, payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(unix))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
