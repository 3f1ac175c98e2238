package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryStore keeps buckets in process memory. Idle buckets are swept
// in the background until Close is called.
type MemoryStore struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryStore(cfg Config) *MemoryStore {
	m := &MemoryStore{
		cfg:     cfg.normalized(),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *MemoryStore) Take(_ context.Context, key string, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(m.cfg.Burst), last: now}
		m.buckets[key] = b
	}
	var d Decision
	b.tokens, d = refill(b.tokens, b.last, now, m.cfg)
	if now.After(b.last) {
		b.last = now
	}
	return d, nil
}

// Len reports how many buckets are tracked.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *MemoryStore) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.IdleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if b.last.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

func (m *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(m.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.sweep(now)
		case <-m.stop:
			return
		}
	}
}

// Close stops the sweeper.
func (m *MemoryStore) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

var _ Store = (*MemoryStore)(nil)
