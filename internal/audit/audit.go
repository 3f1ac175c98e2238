// Package audit records ledger state transitions as an append-only event
// log and fans each event out to subscribers (websocket hub, webhooks,
// Kafka).
package audit

import (
	"context"
	"errors"
	"time"
)

// EventType names a ledger state transition.
type EventType string

const (
	EventNetworkSubmitted  EventType = "network.submitted"
	EventAnalysisRequested EventType = "analysis.requested"
	EventAnalysisCompleted EventType = "analysis.completed"
	EventRevealRequested   EventType = "reveal.requested"
	EventResultDecrypted   EventType = "result.decrypted"
	EventRequestExpired    EventType = "request.expired"
)

// AllEventTypes lists every event the ledger emits.
var AllEventTypes = []EventType{
	EventNetworkSubmitted,
	EventAnalysisRequested,
	EventAnalysisCompleted,
	EventRevealRequested,
	EventResultDecrypted,
	EventRequestExpired,
}

// ErrInvalidEvent is returned when an event lacks an ID or type.
var ErrInvalidEvent = errors.New("audit: invalid event")

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one entry in the audit log. Seq is assigned by the Log on
// append and is strictly increasing. Events never carry cleartext values
// except for result.decrypted, which is emitted only after the reveal.
type Event struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	NetworkID  uint64    `json:"networkId,omitempty"`
	AnalysisID uint64    `json:"analysisId,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Sector     uint8     `json:"sector,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (e *Event) validate() error {
	if e.ID == "" || !e.Type.Valid() {
		return ErrInvalidEvent
	}
	return nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Type       EventType
	NetworkID  uint64
	AnalysisID uint64
	AfterSeq   int64
	Limit      int
}

func (f Filter) matches(e *Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.NetworkID != 0 && e.NetworkID != f.NetworkID {
		return false
	}
	if f.AnalysisID != 0 && e.AnalysisID != f.AnalysisID {
		return false
	}
	return e.Seq > f.AfterSeq
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// Log persists audit events in sequence order.
type Log interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, f Filter) ([]*Event, error)
}
