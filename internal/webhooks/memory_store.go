package webhooks

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MemoryStore keeps subscriptions in process.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.subs[sub.ID]; dup {
		return fmt.Errorf("webhooks: subscription %s already exists", sub.ID)
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.Owner == owner }), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.Active }), nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, clone(s))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func clone(s *Subscription) *Subscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}
