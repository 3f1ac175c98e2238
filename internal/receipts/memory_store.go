package receipts

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an append-only in-process receipt log.
type MemoryStore struct {
	mu    sync.RWMutex
	log   []Receipt
	index map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: map[string]int{}}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[r.ID]; ok {
		return fmt.Errorf("receipts: duplicate id %s", r.ID)
	}
	m.index[r.ID] = len(m.log)
	m.log = append(m.log, *r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	r := m.log[i]
	return &r, nil
}

// ListByAnalysis returns receipts in the order they were issued.
func (m *MemoryStore) ListByAnalysis(_ context.Context, analysisID uint64) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Receipt{}
	for i := range m.log {
		if m.log[i].AnalysisID == analysisID {
			r := m.log[i]
			out = append(out, &r)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
