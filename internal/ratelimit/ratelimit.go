// Package ratelimit throttles API clients with per-key token buckets.
//
// Buckets live in process memory by default. With Redis configured they
// are shared, so every replica behind a load balancer enforces one limit
// per API key.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/infravault/internal/auth"
	"github.com/mbd888/infravault/internal/metrics"
)

// storeTimeout bounds how long a request waits on the bucket store.
const storeTimeout = 250 * time.Millisecond

// Config sizes each client's bucket.
type Config struct {
	// RequestsPerMinute is the sustained refill rate.
	RequestsPerMinute int
	// Burst is the bucket capacity.
	Burst int
	// IdleTTL drops buckets that have been full and unused this long.
	IdleTTL time.Duration
}

// DefaultConfig allows one request a second with bursts of ten.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, Burst: 10, IdleTTL: 2 * time.Minute}
}

func (c Config) normalized() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	// A bucket must outlive its own refill time or limits reset early.
	refill := time.Duration(float64(c.Burst) / c.perSecond() * float64(time.Second))
	if c.IdleTTL < refill {
		c.IdleTTL = refill
	}
	return c
}

func (c Config) perSecond() float64 { return float64(c.RequestsPerMinute) / 60 }

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store takes tokens from named buckets.
type Store interface {
	Take(ctx context.Context, key string, now time.Time) (Decision, error)
}

// Limiter applies a Store to HTTP traffic.
type Limiter struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a limiter. A nil logger uses slog.Default.
func New(store Store, cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, cfg: cfg.normalized(), logger: logger, now: time.Now}
}

// Allow reports whether key may make a request now. Store failures let
// the request through: an outage of the limiter must not become an
// outage of the ledger.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	d, err := l.store.Take(ctx, key, l.now())
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request", "key", key, "error", err)
		return Decision{Allowed: true, Remaining: -1}
	}
	return d
}

// Middleware limits by API key, falling back to client IP for anonymous
// requests, and must run after auth.Middleware. Oracle callbacks are
// never limited: dropping one would leave a pending request to the
// janitor.
func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.Burst)
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if p, ok := auth.GetPrincipal(c); ok {
			if p.HasScope(auth.ScopeOracle) && !p.HasScope(auth.ScopeAdmin) {
				c.Next()
				return
			}
			key = "key:" + p.KeyID
		}

		d := l.Allow(c.Request.Context(), key)
		c.Header("X-RateLimit-Limit", limit)
		if d.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
		if !d.Allowed {
			secs := max(1, int(math.Ceil(d.RetryAfter.Seconds())))
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limited",
				"message":    "too many requests, retry after " + strconv.Itoa(secs) + "s",
				"retryAfter": secs,
			})
			return
		}
		c.Next()
	}
}

// refill advances a bucket to now and tries to take one token. It is the
// reference for the Redis script, which must stay equivalent.
func refill(tokens float64, last, now time.Time, cfg Config) (float64, Decision) {
	if elapsed := now.Sub(last); elapsed > 0 {
		tokens = math.Min(float64(cfg.Burst), tokens+elapsed.Seconds()*cfg.perSecond())
	}
	if tokens >= 1 {
		tokens--
		return tokens, Decision{Allowed: true, Remaining: int(tokens)}
	}
	wait := time.Duration((1 - tokens) / cfg.perSecond() * float64(time.Second))
	return tokens, Decision{Remaining: 0, RetryAfter: wait}
}
