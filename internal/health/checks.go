package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker reports a dependency healthy when ping succeeds within
// timeout. Use it for Postgres and, via a small adapter, Redis.
func PingChecker(name string, ping func(ctx context.Context) error, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// DBChecker checks a database connection pool.
func DBChecker(db Pinger) Checker {
	return PingChecker("database", db.PingContext, 2*time.Second)
}

// PendingChecker reports the oracle request backlog. It turns unhealthy
// when the backlog exceeds limit, which usually means the oracle stopped
// calling back.
func PendingChecker(count func(ctx context.Context) (int, error), limit int) Checker {
	return func(ctx context.Context) Status {
		n, err := count(ctx)
		if err != nil {
			return Status{Name: "pending_requests", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "pending_requests", Healthy: limit <= 0 || n <= limit, Detail: fmt.Sprintf("%d pending", n)}
	}
}

// FlagChecker reports the state of a background worker such as the
// janitor.
func FlagChecker(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if running() {
			return Status{Name: name, Healthy: true}
		}
		return Status{Name: name, Healthy: false, Detail: "not running"}
	}
}
