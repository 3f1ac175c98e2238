package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs reconciliation passes on a schedule. The next pass is timed
// from the end of the previous one, so a slow pass never overlaps another.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer returns a stopped timer. A non-positive interval means five
// minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "reconciliation"),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks, running a pass straight away and then every interval,
// until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	next := time.NewTimer(0)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-t.kick:
			next.Stop()
		case <-next.C:
		}
		t.pass(ctx)
		next.Reset(t.interval)
	}
}

// Kick asks for a pass now instead of at the next tick. Kicks that arrive
// while a pass is queued are merged.
func (t *Timer) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation pass panicked", "panic", fmt.Sprint(r))
		}
	}()

	began := time.Now()
	report, err := t.runner.RunAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("reconciliation pass failed", "error", err)
		}
		return
	}
	t.logger.Debug("reconciliation pass done",
		"checked", report.Checked,
		"healthy", report.Healthy,
		"took", time.Since(began).Round(time.Millisecond),
	)
}
