package tracker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory tracker for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	pending  map[string]*PendingRequest
	resolved map[string]struct{}
}

// NewMemoryStore creates an empty in-memory tracker.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:  make(map[string]*PendingRequest),
		resolved: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Track(_ context.Context, req *PendingRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[req.RequestID]; ok {
		return ErrDuplicateRequestID
	}
	if _, ok := m.resolved[req.RequestID]; ok {
		return ErrDuplicateRequestID
	}
	cp := *req
	m.pending[req.RequestID] = &cp
	return nil
}

func (m *MemoryStore) Restore(_ context.Context, req *PendingRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[req.RequestID]; ok {
		return ErrDuplicateRequestID
	}
	delete(m.resolved, req.RequestID)
	cp := *req
	m.pending[req.RequestID] = &cp
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, requestID string) (*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Resolve(_ context.Context, requestID string) (*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.pending, requestID)
	m.resolved[requestID] = struct{}{}
	return p, nil
}

func (m *MemoryStore) PendingFor(_ context.Context, kind Kind, targetID uint64) ([]*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*PendingRequest
	for _, p := range m.pending {
		if p.Kind == kind && p.TargetID == targetID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	return result, nil
}

func (m *MemoryStore) ListOlderThan(_ context.Context, before time.Time, limit int) ([]*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*PendingRequest
	for _, p := range m.pending {
		if p.CreatedAt.Before(before) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

func sortByCreated(reqs []*PendingRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].RequestID < reqs[j].RequestID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
