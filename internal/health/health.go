// Package health runs named subsystem checks for the /health endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Advisory  bool   `json:"advisory,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker inspects one subsystem.
type Checker func(ctx context.Context) Status

type entry struct {
	name     string
	check    Checker
	advisory bool
}

// Registry holds checkers in registration order. Registering a name again
// replaces the earlier checker.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker whose failure marks the service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

// RegisterAdvisory adds a checker that is reported but never fails the
// aggregate, e.g. the outcome of the last reconciliation run.
func (r *Registry) RegisterAdvisory(name string, check Checker) {
	r.add(entry{name: name, check: check, advisory: true})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].name == e.name {
			r.entries[i] = e
			return
		}
	}
	r.entries = append(r.entries, e)
}

// CheckAll runs every checker concurrently and reports whether all
// non-advisory checks passed. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses = make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e entry) {
			defer wg.Done()
			start := time.Now()
			st := e.check(ctx)
			if st.Name == "" {
				st.Name = e.name
			}
			st.Advisory = e.advisory
			st.LatencyMs = time.Since(start).Milliseconds()
			statuses[i] = st
		}(i, e)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Advisory {
			healthy = false
		}
	}
	return healthy, statuses
}
