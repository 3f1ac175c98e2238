package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fixed(healthy bool, detail string) Checker {
	return func(context.Context) Status { return Status{Healthy: healthy, Detail: detail} }
}

func TestRegistry_Aggregate(t *testing.T) {
	tests := []struct {
		name    string
		checks  map[string]Checker
		order   []string
		healthy bool
	}{
		{name: "empty", healthy: true},
		{
			name:    "all healthy",
			checks:  map[string]Checker{"database": fixed(true, ""), "redis": fixed(true, "ok")},
			order:   []string{"database", "redis"},
			healthy: true,
		},
		{
			name:    "one down",
			checks:  map[string]Checker{"database": fixed(true, ""), "redis": fixed(false, "connection refused")},
			order:   []string{"database", "redis"},
			healthy: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, name := range tt.order {
				r.Register(name, tt.checks[name])
			}
			healthy, statuses := r.CheckAll(context.Background())
			if healthy != tt.healthy {
				t.Errorf("healthy = %v, want %v", healthy, tt.healthy)
			}
			if len(statuses) != len(tt.order) {
				t.Fatalf("got %d statuses, want %d", len(statuses), len(tt.order))
			}
			for i, name := range tt.order {
				want := tt.checks[name](context.Background())
				if statuses[i].Name != name || statuses[i].Detail != want.Detail {
					t.Errorf("status %d = %+v, want %s with detail %q", i, statuses[i], name, want.Detail)
				}
			}
		})
	}
}

func TestRegistry_RegisterWhileChecking(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("janitor", fixed(true, ""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	if _, statuses := r.CheckAll(context.Background()); len(statuses) != 1 {
		t.Errorf("expected re-registration to replace, got %d statuses", len(statuses))
	}
}

func TestRegistryReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(context.Context) Status { return Status{Healthy: false} })
	r.Register("db", func(context.Context) Status { return Status{Healthy: true} })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 1 {
		t.Fatalf("expected one healthy status, got %v %+v", healthy, statuses)
	}
	if statuses[0].Name != "db" {
		t.Errorf("expected name filled from registration, got %q", statuses[0].Name)
	}
}

func TestRegistryAdvisoryDoesNotFail(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(context.Context) Status { return Status{Name: "db", Healthy: true} })
	r.RegisterAdvisory("reconciliation", func(context.Context) Status {
		return Status{Name: "reconciliation", Healthy: false, Detail: "1 missing targets"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("advisory failure must not fail the aggregate")
	}
	if !statuses[1].Advisory || statuses[1].Healthy {
		t.Errorf("unexpected advisory status %+v", statuses[1])
	}
}

func TestRegistryRunsConcurrently(t *testing.T) {
	r := NewRegistry()
	slow := func(context.Context) Status {
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		r.Register(name, slow)
	}

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 4 {
		t.Fatalf("unexpected result %v %+v", healthy, statuses)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("checks ran serially: %v", elapsed)
	}
	if statuses[2].Name != "c" || statuses[2].LatencyMs < 40 {
		t.Errorf("unexpected status %+v", statuses[2])
	}
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDBChecker(t *testing.T) {
	if st := DBChecker(fakePinger{})(context.Background()); !st.Healthy || st.Name != "database" {
		t.Errorf("expected healthy database, got %+v", st)
	}
	st := DBChecker(fakePinger{err: errors.New("connection refused")})(context.Background())
	if st.Healthy || st.Detail != "connection refused" {
		t.Errorf("expected unhealthy database, got %+v", st)
	}
}

func TestPingChecker_Timeout(t *testing.T) {
	check := PingChecker("redis", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)
	if st := check(context.Background()); st.Healthy {
		t.Error("expected timeout to report unhealthy")
	}
}

func TestPendingChecker(t *testing.T) {
	count := func(n int) func(context.Context) (int, error) {
		return func(context.Context) (int, error) { return n, nil }
	}
	if st := PendingChecker(count(3), 10)(context.Background()); !st.Healthy || st.Detail != "3 pending" {
		t.Errorf("unexpected status %+v", st)
	}
	if st := PendingChecker(count(11), 10)(context.Background()); st.Healthy {
		t.Error("expected backlog above max to be unhealthy")
	}
	if st := PendingChecker(count(1000), 0)(context.Background()); !st.Healthy {
		t.Error("max 0 disables the threshold")
	}
}

func TestFlagChecker(t *testing.T) {
	running := false
	check := FlagChecker("janitor", func() bool { return running })
	if check(context.Background()).Healthy {
		t.Error("expected unhealthy while stopped")
	}
	running = true
	if !check(context.Background()).Healthy {
		t.Error("expected healthy while running")
	}
}
