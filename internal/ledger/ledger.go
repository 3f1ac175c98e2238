// Package ledger is the callback protocol at the heart of infravault.
//
// Flow:
//  1. A client submits an encrypted network (three ciphertext handles + sector)
//  2. An analysis request sends the handles to the decryption oracle
//  3. The oracle calls back with cleartexts and a signed proof; the ledger
//     verifies the proof, computes risk, re-encrypts the scores and stores
//     an AnalysisRecord
//  4. A reveal request sends the two score handles to the oracle
//  5. The reveal callback publishes the cleartext scores, exactly once
//
// Every mutation runs under one writer lock. Across processes the tracker's
// atomic resolve and the record store's conditional reveal keep the same
// guarantees.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/ciphertext"
	"github.com/mbd888/infravault/internal/logging"
	"github.com/mbd888/infravault/internal/oracle"
	"github.com/mbd888/infravault/internal/policy"
	"github.com/mbd888/infravault/internal/receipts"
	"github.com/mbd888/infravault/internal/records"
	"github.com/mbd888/infravault/internal/risk"
	"github.com/mbd888/infravault/internal/syncutil"
	"github.com/mbd888/infravault/internal/traces"
	"github.com/mbd888/infravault/internal/tracker"
	"go.opentelemetry.io/otel/attribute"
)

// Errors surfaced by the service. Most alias the owning package's sentinel
// so callers only need to import ledger.
var (
	ErrNotFound                = records.ErrNotFound
	ErrInvalidCiphertext       = ciphertext.ErrInvalid
	ErrInvalidSector           = records.ErrInvalidSector
	ErrAlreadyRevealed         = records.ErrAlreadyRevealed
	ErrAlreadyAnalyzed         = records.ErrAlreadyAnalyzed
	ErrDuplicateRequestID      = tracker.ErrDuplicateRequestID
	ErrProofVerificationFailed = oracle.ErrProofVerificationFailed
	ErrUnauthorized            = policy.ErrUnauthorized

	ErrUnknownRequest     = errors.New("ledger: unknown request")
	ErrMalformedCleartext = errors.New("ledger: malformed cleartext")
	ErrAnalysisPending    = errors.New("ledger: analysis already pending")
)

// maxCleartext is the largest decrypted input value (uint32).
const maxCleartext = 1<<32 - 1

// ProofVerifier checks that a callback's cleartexts were produced by the
// oracle for the given request and handles.
type ProofVerifier interface {
	Verify(requestID oracle.RequestID, handles []ciphertext.Handle, cleartexts []uint64, proof oracle.Proof) error
}

// Deps are the collaborators a Service cannot run without.
type Deps struct {
	Records   records.Store
	Pending   tracker.Store
	Oracle    oracle.Client
	Encryptor oracle.Encryptor
	Verifier  ProofVerifier
	Events    *audit.Emitter
}

func (d Deps) validate() error {
	switch {
	case d.Records == nil:
		return errors.New("ledger: record store required")
	case d.Pending == nil:
		return errors.New("ledger: request tracker required")
	case d.Oracle == nil:
		return errors.New("ledger: oracle client required")
	case d.Encryptor == nil:
		return errors.New("ledger: encryptor required")
	case d.Verifier == nil:
		return errors.New("ledger: proof verifier required")
	}
	return nil
}

// Option customizes a Service.
type Option func(*Service)

// WithCalculator replaces the default risk formula.
func WithCalculator(c risk.Calculator) Option {
	return func(s *Service) { s.calc = c }
}

// WithAuthorizer sets the authorization hook. Without it every mutation
// is denied.
func WithAuthorizer(a policy.Authorizer) Option {
	return func(s *Service) { s.authz = a }
}

// WithReceipts enables signed analysis and reveal receipts.
func WithReceipts(r *receipts.Service) Option {
	return func(s *Service) { s.receipts = r }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the encrypted records and the oracle request/callback
// protocol.
type Service struct {
	records   records.Store
	pending   tracker.Store
	oracle    oracle.Client
	encryptor oracle.Encryptor
	verifier  ProofVerifier
	events    *audit.Emitter
	receipts  *receipts.Service
	authz     policy.Authorizer
	calc      risk.Calculator
	logger    *slog.Logger
	now       func() time.Time

	mu syncutil.Mutex
}

// New creates a ledger service.
func New(deps Deps, opts ...Option) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		records:   deps.Records,
		pending:   deps.Pending,
		oracle:    deps.Oracle,
		encryptor: deps.Encryptor,
		verifier:  deps.Verifier,
		events:    deps.Events,
		authz:     policy.DenyAll,
		calc:      risk.Default,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// begin opens a span and starts the operation timer.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := traces.StartSpan(ctx, "ledger."+op, attrs...)
	done := observeOp(op)
	return ctx, func(err error) {
		done(err)
		traces.End(span, err)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if reqID := logging.RequestID(ctx); reqID != "" {
		return s.logger.With("request_id", reqID)
	}
	return s.logger
}

func (s *Service) authorize(ctx context.Context, action policy.Action) error {
	if err := s.authz.Authorize(ctx, action); err != nil {
		if !errors.Is(err, policy.ErrUnauthorized) {
			err = fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return err
	}
	return nil
}

// lock authorizes action and then takes the writer lock.
func (s *Service) lock(ctx context.Context, action policy.Action) (func(), error) {
	if err := s.authorize(ctx, action); err != nil {
		return nil, err
	}
	return s.mu.LockContext(ctx)
}

// SubmitNetwork stores an encrypted network and returns it with its new ID.
func (s *Service) SubmitNetwork(ctx context.Context, in records.NetworkInput) (_ *records.NetworkRecord, retErr error) {
	ctx, end := s.begin(ctx, "SubmitNetwork", attribute.String("sector", in.Sector.String()))
	defer func() { end(retErr) }()

	if err := s.authorize(ctx, policy.ActionSubmitNetwork); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec := &records.NetworkRecord{
		DependencyMatrix: in.DependencyMatrix,
		Capacity:         in.Capacity,
		Criticality:      in.Criticality,
		Sector:           in.Sector,
		CreatedAt:        s.now(),
	}
	if err := s.records.CreateNetwork(ctx, rec); err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}

	SubmissionsTotal.WithLabelValues(rec.Sector.String()).Inc()
	s.events.Emit(ctx, audit.Event{
		Type:      audit.EventNetworkSubmitted,
		NetworkID: rec.ID,
		Sector:    uint8(rec.Sector),
		CreatedAt: rec.CreatedAt,
	})
	s.log(ctx).Info("network submitted", logging.NetworkID(rec.ID), "sector", rec.Sector.String())
	return rec, nil
}

// RequestAnalysis sends a network's handles to the oracle. A network is
// analyzed at most once; a second request while one is outstanding fails
// with ErrAnalysisPending.
func (s *Service) RequestAnalysis(ctx context.Context, networkID uint64) (_ oracle.RequestID, retErr error) {
	ctx, end := s.begin(ctx, "RequestAnalysis", traces.NetworkID(networkID))
	defer func() { end(retErr) }()

	unlock, err := s.lock(ctx, policy.ActionRequestAnalysis)
	if err != nil {
		return "", err
	}
	defer unlock()

	network, err := s.records.GetNetwork(ctx, networkID)
	if err != nil {
		return "", err
	}
	if _, err := s.records.GetAnalysisByNetwork(ctx, networkID); err == nil {
		return "", ErrAlreadyAnalyzed
	} else if !errors.Is(err, records.ErrNotFound) {
		return "", err
	}
	outstanding, err := s.pending.PendingFor(ctx, tracker.KindAnalysis, networkID)
	if err != nil {
		return "", fmt.Errorf("check pending: %w", err)
	}
	if len(outstanding) > 0 {
		return "", ErrAnalysisPending
	}

	id, err := s.dispatch(ctx, oracle.RouteAnalysis, tracker.KindAnalysis, networkID, network.Handles())
	if err != nil {
		return "", err
	}

	s.events.Emit(ctx, audit.Event{
		Type:      audit.EventAnalysisRequested,
		NetworkID: networkID,
		RequestID: string(id),
		Sector:    uint8(network.Sector),
	})
	s.log(ctx).Info("analysis requested", logging.NetworkID(networkID), logging.OracleRequest(string(id)))
	return id, nil
}

// RequestReveal sends an analysis's encrypted scores to the oracle.
// Several reveal requests may be outstanding at once; only the first valid
// callback publishes the result.
func (s *Service) RequestReveal(ctx context.Context, analysisID uint64) (_ oracle.RequestID, retErr error) {
	ctx, end := s.begin(ctx, "RequestReveal", traces.AnalysisID(analysisID))
	defer func() { end(retErr) }()

	unlock, err := s.lock(ctx, policy.ActionRequestReveal)
	if err != nil {
		return "", err
	}
	defer unlock()

	analysis, err := s.records.GetAnalysis(ctx, analysisID)
	if err != nil {
		return "", err
	}
	result, err := s.records.GetResult(ctx, analysisID)
	if err != nil {
		return "", err
	}
	if result.Revealed {
		return "", ErrAlreadyRevealed
	}

	id, err := s.dispatch(ctx, oracle.RouteReveal, tracker.KindReveal, analysisID, analysis.Handles())
	if err != nil {
		return "", err
	}

	s.events.Emit(ctx, audit.Event{
		Type:       audit.EventRevealRequested,
		NetworkID:  analysis.NetworkID,
		AnalysisID: analysisID,
		RequestID:  string(id),
	})
	s.log(ctx).Info("reveal requested", logging.AnalysisID(analysisID), logging.OracleRequest(string(id)))
	return id, nil
}

// dispatch submits handles to the oracle and tracks the returned request.
// Callers hold the writer lock, so a callback cannot be applied before the
// entry exists.
func (s *Service) dispatch(ctx context.Context, route oracle.Route, kind tracker.Kind, targetID uint64, handles []ciphertext.Handle) (oracle.RequestID, error) {
	id, err := s.oracle.RequestDecryption(ctx, oracle.Request{Handles: handles, Route: route})
	if err != nil {
		return "", fmt.Errorf("request decryption: %w", err)
	}
	OracleRequestsTotal.WithLabelValues(string(kind)).Inc()

	err = s.pending.Track(ctx, &tracker.PendingRequest{
		RequestID: string(id),
		Kind:      kind,
		TargetID:  targetID,
		CreatedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, tracker.ErrDuplicateRequestID) {
			s.log(ctx).Error("oracle reused a request id", logging.OracleRequest(string(id)), "kind", string(kind))
		}
		return "", fmt.Errorf("track request: %w", err)
	}
	PendingRequests.Inc()
	return id, nil
}

// lookup returns the live entry for requestID if it expects a callback of
// kind. Anything else is ErrUnknownRequest.
func (s *Service) lookup(ctx context.Context, requestID oracle.RequestID, kind tracker.Kind) (*tracker.PendingRequest, error) {
	req, err := s.pending.Lookup(ctx, string(requestID))
	if errors.Is(err, tracker.ErrNotFound) {
		return nil, ErrUnknownRequest
	}
	if err != nil {
		return nil, fmt.Errorf("lookup request: %w", err)
	}
	if req.Kind != kind {
		return nil, ErrUnknownRequest
	}
	return req, nil
}

// resolve consumes the entry. Losing the race to another writer is
// ErrUnknownRequest.
func (s *Service) resolve(ctx context.Context, requestID oracle.RequestID) error {
	if _, err := s.pending.Resolve(ctx, string(requestID)); err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			return ErrUnknownRequest
		}
		return fmt.Errorf("resolve request: %w", err)
	}
	PendingRequests.Dec()
	return nil
}

// restore puts back an entry after a write that followed resolve failed,
// so the oracle's callback can be retried.
func (s *Service) restore(ctx context.Context, req *tracker.PendingRequest) {
	if err := s.pending.Restore(context.WithoutCancel(ctx), req); err != nil {
		s.log(ctx).Error("failed to restore pending request",
			logging.OracleRequest(req.RequestID), "kind", string(req.Kind), logging.Err(err))
		return
	}
	PendingRequests.Inc()
}

func checkArity(values []uint64, want int) error {
	if len(values) != want {
		return fmt.Errorf("%w: expected %d values, got %d", ErrMalformedCleartext, want, len(values))
	}
	return nil
}

// decodeInputs checks the analysis triple. Submitted inputs are uint32;
// derived scores are not, so the reveal pair is checked by arity only.
func decodeInputs(values []uint64) error {
	if err := checkArity(values, 3); err != nil {
		return err
	}
	for i, v := range values {
		if v > maxCleartext {
			return fmt.Errorf("%w: value %d exceeds uint32", ErrMalformedCleartext, i)
		}
	}
	return nil
}

// DeliverAnalysis applies the oracle's answer to an analysis request.
// A proof or cleartext failure leaves the request pending so a corrected
// callback can still succeed.
func (s *Service) DeliverAnalysis(ctx context.Context, requestID oracle.RequestID, cleartexts []uint64, proof oracle.Proof) (_ *records.AnalysisRecord, retErr error) {
	ctx, end := s.begin(ctx, "DeliverAnalysis", traces.OracleRequest(string(requestID)))
	defer func() {
		CallbacksTotal.WithLabelValues(string(tracker.KindAnalysis), resultLabel(retErr)).Inc()
		end(retErr)
	}()

	unlock, err := s.lock(ctx, policy.ActionDeliverAnalysis)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := s.lookup(ctx, requestID, tracker.KindAnalysis)
	if err != nil {
		return nil, err
	}
	network, err := s.records.GetNetwork(ctx, req.TargetID)
	if err != nil {
		return nil, fmt.Errorf("load network %d: %w", req.TargetID, err)
	}

	if err := s.verifier.Verify(requestID, network.Handles(), cleartexts, proof); err != nil {
		s.log(ctx).Warn("analysis callback rejected",
			logging.OracleRequest(string(requestID)), logging.NetworkID(network.ID), logging.Err(err))
		return nil, err
	}
	if err := decodeInputs(cleartexts); err != nil {
		return nil, err
	}

	scores := s.calc(risk.Inputs{
		Dependencies: cleartexts[0],
		Capacity:     cleartexts[1],
		Criticality:  cleartexts[2],
	})
	riskHandle, err := s.encryptor.Encrypt(ctx, scores.RiskScore)
	if err != nil {
		return nil, fmt.Errorf("encrypt risk score: %w", err)
	}
	vulnHandle, err := s.encryptor.Encrypt(ctx, scores.Vulnerability)
	if err != nil {
		return nil, fmt.Errorf("encrypt vulnerability: %w", err)
	}

	if err := s.resolve(ctx, requestID); err != nil {
		return nil, err
	}

	rec := &records.AnalysisRecord{
		NetworkID:     network.ID,
		RiskScore:     riskHandle,
		Vulnerability: vulnHandle,
		CreatedAt:     s.now(),
	}
	if err := s.records.CreateAnalysis(ctx, rec); err != nil {
		if !errors.Is(err, records.ErrAlreadyAnalyzed) {
			s.restore(ctx, req)
		}
		return nil, fmt.Errorf("create analysis: %w", err)
	}

	OracleRoundTrip.WithLabelValues(string(tracker.KindAnalysis)).Observe(rec.CreatedAt.Sub(req.CreatedAt).Seconds())
	s.events.Emit(ctx, audit.Event{
		Type:       audit.EventAnalysisCompleted,
		NetworkID:  network.ID,
		AnalysisID: rec.ID,
		RequestID:  string(requestID),
		Sector:     uint8(network.Sector),
		CreatedAt:  rec.CreatedAt,
	})
	s.issueReceipt(ctx, receipts.IssueRequest{
		Kind:          receipts.KindAnalysis,
		AnalysisID:    rec.ID,
		NetworkID:     network.ID,
		RequestID:     string(requestID),
		RiskScore:     riskHandle.String(),
		Vulnerability: vulnHandle.String(),
	})
	s.log(ctx).Info("analysis completed", logging.NetworkID(network.ID), logging.AnalysisID(rec.ID))
	return rec, nil
}

// DeliverReveal publishes the cleartext scores of an analysis. A live
// entry whose result was already revealed by another callback fails with
// ErrAlreadyRevealed and is left for the janitor.
func (s *Service) DeliverReveal(ctx context.Context, requestID oracle.RequestID, cleartexts []uint64, proof oracle.Proof) (_ *records.DecryptedResult, retErr error) {
	ctx, end := s.begin(ctx, "DeliverReveal", traces.OracleRequest(string(requestID)))
	defer func() {
		CallbacksTotal.WithLabelValues(string(tracker.KindReveal), resultLabel(retErr)).Inc()
		end(retErr)
	}()

	unlock, err := s.lock(ctx, policy.ActionDeliverReveal)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := s.lookup(ctx, requestID, tracker.KindReveal)
	if err != nil {
		return nil, err
	}
	analysis, err := s.records.GetAnalysis(ctx, req.TargetID)
	if err != nil {
		return nil, fmt.Errorf("load analysis %d: %w", req.TargetID, err)
	}
	current, err := s.records.GetResult(ctx, analysis.ID)
	if err != nil {
		return nil, fmt.Errorf("load result %d: %w", analysis.ID, err)
	}
	if current.Revealed {
		return nil, ErrAlreadyRevealed
	}

	if err := s.verifier.Verify(requestID, analysis.Handles(), cleartexts, proof); err != nil {
		s.log(ctx).Warn("reveal callback rejected",
			logging.OracleRequest(string(requestID)), logging.AnalysisID(analysis.ID), logging.Err(err))
		return nil, err
	}
	if err := checkArity(cleartexts, 2); err != nil {
		return nil, err
	}

	if err := s.resolve(ctx, requestID); err != nil {
		return nil, err
	}

	result, err := s.records.MarkRevealed(ctx, analysis.ID, cleartexts[0], cleartexts[1], s.now())
	if err != nil {
		if !errors.Is(err, records.ErrAlreadyRevealed) {
			s.restore(ctx, req)
		}
		return nil, err
	}

	if result.RevealedAt != nil {
		OracleRoundTrip.WithLabelValues(string(tracker.KindReveal)).Observe(result.RevealedAt.Sub(req.CreatedAt).Seconds())
	}
	s.events.Emit(ctx, audit.Event{
		Type:       audit.EventResultDecrypted,
		NetworkID:  analysis.NetworkID,
		AnalysisID: analysis.ID,
		RequestID:  string(requestID),
		Detail:     fmt.Sprintf("riskScore=%d vulnerability=%d", result.RiskScore, result.Vulnerability),
	})
	s.issueReceipt(ctx, receipts.IssueRequest{
		Kind:          receipts.KindReveal,
		AnalysisID:    analysis.ID,
		NetworkID:     analysis.NetworkID,
		RequestID:     string(requestID),
		RiskScore:     fmt.Sprintf("%d", result.RiskScore),
		Vulnerability: fmt.Sprintf("%d", result.Vulnerability),
	})
	s.log(ctx).Info("result decrypted", logging.AnalysisID(analysis.ID), logging.NetworkID(analysis.NetworkID))
	return result, nil
}

// HandleCallback routes an oracle callback to the matching delivery
// operation. It satisfies oracle.Deliverer.
func (s *Service) HandleCallback(ctx context.Context, cb oracle.Callback) error {
	var err error
	switch cb.Route {
	case oracle.RouteAnalysis:
		_, err = s.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	case oracle.RouteReveal:
		_, err = s.DeliverReveal(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	default:
		err = fmt.Errorf("%w: route %q", ErrUnknownRequest, cb.Route)
	}
	return err
}

// ExpirePending retires a request whose callback never arrived. A callback
// presented afterwards is treated as unknown. Expiry is a maintenance
// action and is not subject to the authorizer.
func (s *Service) ExpirePending(ctx context.Context, req *tracker.PendingRequest) (retErr error) {
	ctx, end := s.begin(ctx, "ExpirePending", traces.OracleRequest(req.RequestID))
	defer func() { end(retErr) }()

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	got, err := s.pending.Resolve(ctx, req.RequestID)
	if errors.Is(err, tracker.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve expired request: %w", err)
	}
	PendingRequests.Dec()
	PendingExpiredTotal.WithLabelValues(string(got.Kind)).Inc()

	ev := audit.Event{
		Type:      audit.EventRequestExpired,
		RequestID: got.RequestID,
		Detail:    string(got.Kind),
	}
	switch got.Kind {
	case tracker.KindAnalysis:
		ev.NetworkID = got.TargetID
	case tracker.KindReveal:
		ev.AnalysisID = got.TargetID
		if a, err := s.records.GetAnalysis(ctx, got.TargetID); err == nil {
			ev.NetworkID = a.NetworkID
		}
	}
	s.events.Emit(ctx, ev)
	s.log(ctx).Warn("pending request expired",
		logging.OracleRequest(got.RequestID), "kind", string(got.Kind), "target_id", got.TargetID,
		"age", s.now().Sub(got.CreatedAt).String())
	return nil
}

func (s *Service) issueReceipt(ctx context.Context, req receipts.IssueRequest) {
	if !s.receipts.Enabled() {
		return
	}
	if _, err := s.receipts.Issue(ctx, req); err != nil {
		s.log(ctx).Warn("receipt issue failed", logging.AnalysisID(req.AnalysisID), "kind", string(req.Kind), logging.Err(err))
	}
}

var _ tracker.Expirer = (*Service)(nil)
