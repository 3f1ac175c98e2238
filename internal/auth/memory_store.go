package auth

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps API keys in process, indexed by ID and by hash.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]*APIKey{}, byHash: map[string]string{}}
}

func (k *APIKey) clone() *APIKey {
	cp := *k
	cp.Scopes = slices.Clone(k.Scopes)
	if k.ExpiresAt != nil {
		exp := *k.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[key.ID]; ok {
		delete(s.byHash, old.Hash)
	}
	s.byID[key.ID] = key.clone()
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	id, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.byID[id]; ok {
		return k.clone(), nil
	}
	return nil, ErrKeyNotFound
}

// List returns keys newest first.
func (s *MemoryStore) List(_ context.Context) ([]*APIKey, error) {
	s.mu.RLock()
	out := make([]*APIKey, 0, len(s.byID))
	for _, k := range s.byID {
		out = append(out, k.clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *APIKey) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byID[id]; ok && !k.Revoked {
		k.Revoked = true
		return nil
	}
	return ErrKeyNotFound
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byID[id]; ok {
		k.LastUsed = at
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
