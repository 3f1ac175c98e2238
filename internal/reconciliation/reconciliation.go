// Package reconciliation cross-checks the oracle request tracker against
// the record store and reports entries that can never complete.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/infravault/internal/records"
	"github.com/mbd888/infravault/internal/tracker"
)

// Problem classifies a tracker entry that disagrees with the record store.
type Problem string

const (
	// ProblemMissingTarget: the network or analysis the entry targets does not exist.
	ProblemMissingTarget Problem = "missing_target"
	// ProblemAlreadyAnalyzed: an analysis entry whose network already has an analysis.
	ProblemAlreadyAnalyzed Problem = "already_analyzed"
	// ProblemAlreadyRevealed: a reveal entry whose result is already revealed.
	// Concurrent reveals leave these behind until the janitor expires them.
	ProblemAlreadyRevealed Problem = "already_revealed"
	// ProblemOverdue: the entry outlived the expiry window.
	ProblemOverdue Problem = "overdue"
)

// Finding is one tracker entry that failed a check.
type Finding struct {
	RequestID string       `json:"requestId"`
	Kind      tracker.Kind `json:"kind"`
	TargetID  uint64       `json:"targetId"`
	Problem   Problem      `json:"problem"`
	Age       string       `json:"age"`
}

// Report summarizes one reconciliation run.
type Report struct {
	Checked         int           `json:"checked"`
	MissingTargets  int           `json:"missingTargets"`
	AlreadyAnalyzed int           `json:"alreadyAnalyzed"`
	AlreadyRevealed int           `json:"alreadyRevealed"`
	Overdue         int           `json:"overdue"`
	Findings        []Finding     `json:"findings"`
	Truncated       bool          `json:"truncated"`
	Healthy         bool          `json:"healthy"`
	Duration        time.Duration `json:"durationMs"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Runner executes the checks. It only reads; repairs are left to the
// janitor or an operator.
type Runner struct {
	pending      tracker.Store
	records      records.Store
	overdueAfter time.Duration
	maxScan      int
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a runner. Entries older than overdueAfter are reported
// as overdue; zero disables that check.
func NewRunner(pending tracker.Store, recs records.Store, overdueAfter time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pending:      pending,
		records:      recs,
		overdueAfter: overdueAfter,
		maxScan:      10000,
		logger:       logger,
		now:          time.Now,
	}
}

// RunAll checks every tracked request and records the report as the
// latest.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{Timestamp: start, Findings: []Finding{}}

	// Cutoff slightly in the future so entries created this instant are included.
	entries, err := r.pending.ListOlderThan(ctx, start.Add(time.Second), r.maxScan+1)
	if err != nil {
		checkErrors.Inc()
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	if len(entries) > r.maxScan {
		entries = entries[:r.maxScan]
		report.Truncated = true
	}

	for _, p := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		problem, err := r.check(ctx, p)
		if err != nil {
			checkErrors.Inc()
			return nil, fmt.Errorf("check request %s: %w", p.RequestID, err)
		}
		age := start.Sub(p.CreatedAt)
		if problem == "" && r.overdueAfter > 0 && age > r.overdueAfter {
			problem = ProblemOverdue
		}
		report.Checked++
		if problem == "" {
			continue
		}
		switch problem {
		case ProblemMissingTarget:
			report.MissingTargets++
		case ProblemAlreadyAnalyzed:
			report.AlreadyAnalyzed++
		case ProblemAlreadyRevealed:
			report.AlreadyRevealed++
		case ProblemOverdue:
			report.Overdue++
		}
		report.Findings = append(report.Findings, Finding{
			RequestID: p.RequestID,
			Kind:      p.Kind,
			TargetID:  p.TargetID,
			Problem:   problem,
			Age:       age.Truncate(time.Second).String(),
		})
	}

	report.Healthy = report.MissingTargets == 0 && report.AlreadyAnalyzed == 0
	report.Duration = r.now().Sub(start)

	observe(report)

	if !report.Healthy {
		r.logger.Warn("reconciliation found inconsistencies",
			"checked", report.Checked,
			"missing_targets", report.MissingTargets,
			"already_analyzed", report.AlreadyAnalyzed)
	} else {
		r.logger.Info("reconciliation complete",
			"checked", report.Checked,
			"already_revealed", report.AlreadyRevealed,
			"overdue", report.Overdue)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Runner) check(ctx context.Context, p *tracker.PendingRequest) (Problem, error) {
	switch p.Kind {
	case tracker.KindAnalysis:
		if _, err := r.records.GetNetwork(ctx, p.TargetID); errors.Is(err, records.ErrNotFound) {
			return ProblemMissingTarget, nil
		} else if err != nil {
			return "", err
		}
		_, err := r.records.GetAnalysisByNetwork(ctx, p.TargetID)
		switch {
		case err == nil:
			return ProblemAlreadyAnalyzed, nil
		case errors.Is(err, records.ErrNotFound):
			return "", nil
		default:
			return "", err
		}
	case tracker.KindReveal:
		res, err := r.records.GetResult(ctx, p.TargetID)
		switch {
		case errors.Is(err, records.ErrNotFound):
			return ProblemMissingTarget, nil
		case err != nil:
			return "", err
		case res.Revealed:
			return ProblemAlreadyRevealed, nil
		}
		return "", nil
	default:
		return ProblemMissingTarget, nil
	}
}
