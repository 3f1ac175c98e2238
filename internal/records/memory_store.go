package records

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory record store for development and tests.
type MemoryStore struct {
	mu             sync.RWMutex
	networks       map[uint64]*NetworkRecord
	analyses       map[uint64]*AnalysisRecord
	results        map[uint64]*DecryptedResult
	byNetwork      map[uint64]uint64
	lastNetworkID  uint64
	lastAnalysisID uint64
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		networks:  make(map[uint64]*NetworkRecord),
		analyses:  make(map[uint64]*AnalysisRecord),
		results:   make(map[uint64]*DecryptedResult),
		byNetwork: make(map[uint64]uint64),
	}
}

func (m *MemoryStore) CreateNetwork(_ context.Context, rec *NetworkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastNetworkID++
	rec.ID = m.lastNetworkID
	cp := *rec
	m.networks[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetNetwork(_ context.Context, id uint64) (*NetworkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.networks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) ListNetworks(_ context.Context, afterID uint64, limit int) ([]*NetworkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*NetworkRecord, 0, len(m.networks))
	for id, n := range m.networks {
		if id > afterID {
			cp := *n
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateAnalysis(_ context.Context, rec *AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.networks[rec.NetworkID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.byNetwork[rec.NetworkID]; ok {
		return ErrAlreadyAnalyzed
	}

	m.lastAnalysisID++
	rec.ID = m.lastAnalysisID
	cp := *rec
	m.analyses[cp.ID] = &cp
	m.byNetwork[cp.NetworkID] = cp.ID
	m.results[cp.ID] = &DecryptedResult{AnalysisID: cp.ID}
	return nil
}

func (m *MemoryStore) GetAnalysis(_ context.Context, id uint64) (*AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAnalysisByNetwork(_ context.Context, networkID uint64) (*AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byNetwork[networkID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.analyses[id]
	return &cp, nil
}

func (m *MemoryStore) GetResult(_ context.Context, analysisID uint64) (*DecryptedResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[analysisID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyResult(r), nil
}

func (m *MemoryStore) MarkRevealed(_ context.Context, analysisID, riskScore, vulnerability uint64, at time.Time) (*DecryptedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.results[analysisID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Revealed {
		return nil, ErrAlreadyRevealed
	}
	revealedAt := at
	r.RiskScore = riskScore
	r.Vulnerability = vulnerability
	r.Revealed = true
	r.RevealedAt = &revealedAt
	return copyResult(r), nil
}

func copyResult(r *DecryptedResult) *DecryptedResult {
	cp := *r
	if r.RevealedAt != nil {
		t := *r.RevealedAt
		cp.RevealedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
