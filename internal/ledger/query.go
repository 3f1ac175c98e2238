package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/records"
	"github.com/mbd888/infravault/internal/tracker"
)

// Status is the derived lifecycle state of a network.
type Status string

const (
	StatusSubmitted         Status = "submitted"
	StatusAnalysisRequested Status = "analysis_requested"
	StatusAnalyzed          Status = "analyzed"
	StatusRevealRequested   Status = "reveal_requested"
	StatusRevealed          Status = "revealed"
)

// NetworkStatus summarizes where a network is in the protocol. It is
// computed from the record store and the tracker, never stored.
type NetworkStatus struct {
	NetworkID       uint64                   `json:"networkId"`
	Status          Status                   `json:"status"`
	AnalysisID      uint64                   `json:"analysisId,omitempty"`
	PendingRequests []string                 `json:"pendingRequests,omitempty"`
	Result          *records.DecryptedResult `json:"result,omitempty"`
}

func (s *Service) GetNetwork(ctx context.Context, id uint64) (*records.NetworkRecord, error) {
	return s.records.GetNetwork(ctx, id)
}

func (s *Service) ListNetworks(ctx context.Context, afterID uint64, limit int) ([]*records.NetworkRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.records.ListNetworks(ctx, afterID, limit)
}

func (s *Service) GetAnalysis(ctx context.Context, id uint64) (*records.AnalysisRecord, error) {
	return s.records.GetAnalysis(ctx, id)
}

func (s *Service) GetAnalysisByNetwork(ctx context.Context, networkID uint64) (*records.AnalysisRecord, error) {
	return s.records.GetAnalysisByNetwork(ctx, networkID)
}

// GetResult returns the result slot of an analysis. Unrevealed results
// carry zero values.
func (s *Service) GetResult(ctx context.Context, analysisID uint64) (*records.DecryptedResult, error) {
	return s.records.GetResult(ctx, analysisID)
}

// NetworkStatus derives the lifecycle state of a network.
func (s *Service) NetworkStatus(ctx context.Context, networkID uint64) (*NetworkStatus, error) {
	if _, err := s.records.GetNetwork(ctx, networkID); err != nil {
		return nil, err
	}
	st := &NetworkStatus{NetworkID: networkID}

	analysis, err := s.records.GetAnalysisByNetwork(ctx, networkID)
	if errors.Is(err, records.ErrNotFound) {
		ids, err := s.pendingIDs(ctx, tracker.KindAnalysis, networkID)
		if err != nil {
			return nil, err
		}
		st.Status = StatusSubmitted
		if len(ids) > 0 {
			st.Status = StatusAnalysisRequested
			st.PendingRequests = ids
		}
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.AnalysisID = analysis.ID

	result, err := s.records.GetResult(ctx, analysis.ID)
	if err != nil {
		return nil, err
	}
	if result.Revealed {
		st.Status = StatusRevealed
		st.Result = result
		return st, nil
	}

	ids, err := s.pendingIDs(ctx, tracker.KindReveal, analysis.ID)
	if err != nil {
		return nil, err
	}
	st.Status = StatusAnalyzed
	if len(ids) > 0 {
		st.Status = StatusRevealRequested
		st.PendingRequests = ids
	}
	return st, nil
}

func (s *Service) pendingIDs(ctx context.Context, kind tracker.Kind, targetID uint64) ([]string, error) {
	pending, err := s.pending.PendingFor(ctx, kind, targetID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.RequestID)
	}
	return ids, nil
}

// PendingCount reports how many oracle requests are outstanding.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.pending.Count(ctx)
}

// ListEvents queries the audit log.
func (s *Service) ListEvents(ctx context.Context, f audit.Filter) ([]*audit.Event, error) {
	if s.events == nil {
		return nil, nil
	}
	return s.events.List(ctx, f)
}
