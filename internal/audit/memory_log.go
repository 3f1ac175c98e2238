package audit

import (
	"context"
	"sync"
)

// MemoryLog is an in-memory Log for development and tests.
type MemoryLog struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, e *Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e.Seq = int64(len(m.events)) + 1
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryLog) List(_ context.Context, f Filter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.limit()
	var out []*Event
	for _, e := range m.events {
		if !f.matches(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
