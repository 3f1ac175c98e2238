// Package tracker correlates outstanding decryption-oracle requests with
// the ledger record they target.
//
// Resolve is the anti-replay primitive: it removes and returns an entry in
// one atomic step, so of any number of callbacks presenting the same
// request ID, at most one ever observes the entry. A resolved ID leaves a
// tombstone, so it can never be tracked again.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("tracker: request not found")
	ErrDuplicateRequestID = errors.New("tracker: duplicate request id")
)

// Kind is the callback a pending request expects.
type Kind string

const (
	KindAnalysis Kind = "analysis" // target is a network ID
	KindReveal   Kind = "reveal"   // target is an analysis ID
)

func (k Kind) Valid() bool {
	return k == KindAnalysis || k == KindReveal
}

// PendingRequest is an outstanding oracle request awaiting its callback.
type PendingRequest struct {
	RequestID string    `json:"requestId"`
	Kind      Kind      `json:"kind"`
	TargetID  uint64    `json:"targetId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p *PendingRequest) validate() error {
	if p.RequestID == "" {
		return errors.New("tracker: empty request id")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("tracker: invalid kind %q", p.Kind)
	}
	if p.TargetID == 0 {
		return errors.New("tracker: zero target id")
	}
	return nil
}

// Store holds pending requests. All implementations guarantee that Resolve
// returns a given entry to exactly one caller.
type Store interface {
	// Track records a new pending request; ErrDuplicateRequestID if the
	// request ID is tracked or was ever resolved.
	Track(ctx context.Context, req *PendingRequest) error
	// Restore puts back an entry that Resolve returned, clearing its
	// tombstone. It is for callers whose write after Resolve failed;
	// ErrDuplicateRequestID if the ID is live.
	Restore(ctx context.Context, req *PendingRequest) error
	// Lookup returns the entry without consuming it.
	Lookup(ctx context.Context, requestID string) (*PendingRequest, error)
	// Resolve atomically removes and returns the entry; ErrNotFound if absent.
	Resolve(ctx context.Context, requestID string) (*PendingRequest, error)
	// PendingFor lists entries of a kind targeting one record.
	PendingFor(ctx context.Context, kind Kind, targetID uint64) ([]*PendingRequest, error)
	// ListOlderThan lists entries created before the cutoff, oldest first.
	ListOlderThan(ctx context.Context, before time.Time, limit int) ([]*PendingRequest, error)
	Count(ctx context.Context) (int, error)
}
