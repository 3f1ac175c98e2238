package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolvingExpirer struct {
	store Store
	mu    sync.Mutex
	seen  []string
	fail  map[string]bool
}

func (e *resolvingExpirer) ExpirePending(ctx context.Context, req *PendingRequest) error {
	if e.fail[req.RequestID] {
		return errors.New("boom")
	}
	if _, err := e.store.Resolve(ctx, req.RequestID); err != nil {
		return err
	}
	e.mu.Lock()
	e.seen = append(e.seen, req.RequestID)
	e.mu.Unlock()
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJanitor_SweepExpiresOnlyStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Track(ctx, pending("stale", KindAnalysis, 1, now.Add(-2*time.Hour))))
	require.NoError(t, store.Track(ctx, pending("fresh", KindReveal, 1, now.Add(-time.Minute))))

	exp := &resolvingExpirer{store: store}
	j := NewJanitor(store, exp, time.Hour, time.Minute, discardLogger())

	assert.Equal(t, 1, j.Sweep(ctx, now))
	assert.Equal(t, []string{"stale"}, exp.seen)

	_, err := store.Lookup(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Lookup(ctx, "fresh")
	assert.NoError(t, err)
}

func TestJanitor_SweepContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Track(ctx, pending("a", KindAnalysis, 1, now.Add(-3*time.Hour))))
	require.NoError(t, store.Track(ctx, pending("b", KindAnalysis, 2, now.Add(-2*time.Hour))))

	exp := &resolvingExpirer{store: store, fail: map[string]bool{"a": true}}
	j := NewJanitor(store, exp, time.Hour, time.Minute, discardLogger())

	assert.Equal(t, 1, j.Sweep(ctx, now))
	assert.Equal(t, []string{"b"}, exp.seen)
}

func TestJanitor_StartStop(t *testing.T) {
	store := NewMemoryStore()
	j := NewJanitor(store, &resolvingExpirer{store: store}, time.Hour, 10*time.Millisecond, discardLogger())

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, j.Running, time.Second, 5*time.Millisecond)
	j.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
	assert.False(t, j.Running())
}

func TestJanitor_StopsOnContextCancel(t *testing.T) {
	store := NewMemoryStore()
	j := NewJanitor(store, &resolvingExpirer{store: store}, time.Hour, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on cancel")
	}
}
