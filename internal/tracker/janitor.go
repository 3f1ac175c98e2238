package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Expirer retires a stale pending request. The ledger implements it so
// expiry happens under the ledger's writer lock and is audited.
type Expirer interface {
	ExpirePending(ctx context.Context, req *PendingRequest) error
}

// Janitor periodically expires pending requests whose callback never
// arrived. A callback presented after expiry is treated as unknown.
type Janitor struct {
	store    Store
	expirer  Expirer
	ttl      time.Duration
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewJanitor creates a janitor expiring entries older than ttl.
func NewJanitor(store Store, expirer Expirer, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		expirer:  expirer,
		ttl:      ttl,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the janitor loop is active.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start runs the expiry loop until ctx is done or Stop is called.
// Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (j *Janitor) Stop() {
	select {
	case j.stop <- struct{}{}:
	default:
	}
}

func (j *Janitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in pending-request janitor", "panic", fmt.Sprint(r))
		}
	}()
	j.Sweep(ctx, time.Now())
}

// Sweep expires entries created before now-ttl and returns how many were
// expired.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) int {
	stale, err := j.store.ListOlderThan(ctx, now.Add(-j.ttl), j.batch)
	if err != nil {
		j.logger.Warn("failed to list stale pending requests", "error", err)
		return 0
	}

	expired := 0
	for _, req := range stale {
		if err := j.expirer.ExpirePending(ctx, req); err != nil {
			j.logger.Warn("failed to expire pending request",
				"oracle_request_id", req.RequestID, "kind", req.Kind, "error", err)
			continue
		}
		expired++
		j.logger.Info("expired pending request",
			"oracle_request_id", req.RequestID,
			"kind", req.Kind,
			"target_id", req.TargetID,
			"age", now.Sub(req.CreatedAt).Round(time.Second),
		)
	}
	return expired
}
