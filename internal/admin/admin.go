// Package admin provides operator endpoints for oracle requests that are
// stuck or inconsistent with the ledger.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/infravault/internal/reconciliation"
	"github.com/mbd888/infravault/internal/tracker"
)

// PendingStore is the read side of the request tracker.
type PendingStore interface {
	Lookup(ctx context.Context, requestID string) (*tracker.PendingRequest, error)
	ListOlderThan(ctx context.Context, before time.Time, limit int) ([]*tracker.PendingRequest, error)
}

// Reconciler runs tracker/ledger consistency checks.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

// StuckRequest is a pending request as shown to operators.
type StuckRequest struct {
	RequestID string       `json:"requestId"`
	Kind      tracker.Kind `json:"kind"`
	TargetID  uint64       `json:"targetId"`
	CreatedAt time.Time    `json:"createdAt"`
	Age       string       `json:"age"`
}
