package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/auth"
	"github.com/mbd888/infravault/internal/ciphertext"
	"github.com/mbd888/infravault/internal/oracle"
	"github.com/mbd888/infravault/internal/policy"
	"github.com/mbd888/infravault/internal/receipts"
	"github.com/mbd888/infravault/internal/records"
	"github.com/mbd888/infravault/internal/risk"
	"github.com/mbd888/infravault/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	svc      *Service
	oracle   *oracle.Local
	signer   *oracle.Signer
	records  records.Store
	pending  *tracker.MemoryStore
	events   *audit.Emitter
	receipts *receipts.Service
}

type harnessOpt func(*Deps)

func withRecords(s records.Store) harnessOpt {
	return func(d *Deps) { d.Records = s }
}

func newHarness(t *testing.T, hopts []harnessOpt, opts ...Option) *harness {
	t.Helper()
	signer, err := oracle.GenerateSigner()
	require.NoError(t, err)
	verifier, err := oracle.NewVerifier([]common.Address{signer.Address()}, 1)
	require.NoError(t, err)

	local := oracle.NewLocal(signer, discard)
	pending := tracker.NewMemoryStore()
	events := audit.NewEmitter(audit.NewMemoryLog(), discard)
	rcpts := receipts.NewService(receipts.NewMemoryStore(), receipts.NewSigner("ledger-test-secret"))

	deps := Deps{
		Records:   records.NewMemoryStore(),
		Pending:   pending,
		Oracle:    local,
		Encryptor: local,
		Verifier:  verifier,
		Events:    events,
	}
	for _, o := range hopts {
		o(&deps)
	}

	base := []Option{WithAuthorizer(policy.AllowAll), WithReceipts(rcpts), WithLogger(discard)}
	svc, err := New(deps, append(base, opts...)...)
	require.NoError(t, err)

	return &harness{
		svc:      svc,
		oracle:   local,
		signer:   signer,
		records:  deps.Records,
		pending:  pending,
		events:   events,
		receipts: rcpts,
	}
}

func (h *harness) encrypt(t *testing.T, v uint64) ciphertext.Handle {
	t.Helper()
	handle, err := h.oracle.Encrypt(context.Background(), v)
	require.NoError(t, err)
	return handle
}

func (h *harness) submit(t *testing.T, deps, capacity, crit uint64, sector records.Sector) *records.NetworkRecord {
	t.Helper()
	rec, err := h.svc.SubmitNetwork(context.Background(), records.NetworkInput{
		DependencyMatrix: h.encrypt(t, deps),
		Capacity:         h.encrypt(t, capacity),
		Criticality:      h.encrypt(t, crit),
		Sector:           sector,
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) prepared(t *testing.T, id oracle.RequestID) oracle.Callback {
	t.Helper()
	cb, ok := h.oracle.Prepared(id)
	require.True(t, ok, "no prepared callback for %s", id)
	return cb
}

// analyze runs a full analysis round trip and returns the record.
func (h *harness) analyze(t *testing.T, networkID uint64) *records.AnalysisRecord {
	t.Helper()
	ctx := context.Background()
	id, err := h.svc.RequestAnalysis(ctx, networkID)
	require.NoError(t, err)
	cb := h.prepared(t, id)
	rec, err := h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.NoError(t, err)
	return rec
}

func (h *harness) eventTypes(t *testing.T) []audit.EventType {
	t.Helper()
	events, err := h.svc.ListEvents(context.Background(), audit.Filter{Limit: 1000})
	require.NoError(t, err)
	out := make([]audit.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	n, err := h.svc.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestSubmitNetwork_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.submit(t, 10, 2, 6, records.SectorPower)
	second := h.submit(t, 20, 4, 3, records.SectorWater)
	assert.Equal(t, uint64(1), first.ID)
	assert.Greater(t, second.ID, first.ID)

	got, err := h.svc.GetNetwork(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.DependencyMatrix, got.DependencyMatrix)
	assert.Equal(t, first.Capacity, got.Capacity)
	assert.Equal(t, first.Criticality, got.Criticality)
	assert.Equal(t, records.SectorPower, got.Sector)

	list, err := h.svc.ListNetworks(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.Equal(t, []audit.EventType{audit.EventNetworkSubmitted, audit.EventNetworkSubmitted}, h.eventTypes(t))
}

func TestSubmitNetwork_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	valid := h.encrypt(t, 1)

	_, err := h.svc.SubmitNetwork(ctx, records.NetworkInput{
		DependencyMatrix: valid, Capacity: valid, Criticality: valid, Sector: 9,
	})
	assert.ErrorIs(t, err, ErrInvalidSector)

	_, err = h.svc.SubmitNetwork(ctx, records.NetworkInput{
		DependencyMatrix: valid, Capacity: ciphertext.Handle{}, Criticality: valid, Sector: records.SectorTelecom,
	})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	list, err := h.svc.ListNetworks(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, h.eventTypes(t))
}

func TestGetNetwork_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.GetNetwork(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.NetworkStatus(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndToEnd_PowerNetwork(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	network := h.submit(t, 10, 2, 6, records.SectorPower)

	st, err := h.svc.NetworkStatus(ctx, network.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, st.Status)

	reqID, err := h.svc.RequestAnalysis(ctx, network.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.pendingCount(t))

	st, err = h.svc.NetworkStatus(ctx, network.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAnalysisRequested, st.Status)
	assert.Equal(t, []string{string(reqID)}, st.PendingRequests)

	cb := h.prepared(t, reqID)
	assert.Equal(t, []uint64{10, 2, 6}, cb.Cleartexts)
	require.NoError(t, h.svc.HandleCallback(ctx, cb))
	assert.Equal(t, 0, h.pendingCount(t))

	analysis, err := h.svc.GetAnalysisByNetwork(ctx, network.ID)
	require.NoError(t, err)
	riskScore, ok := h.oracle.Decrypt(analysis.RiskScore)
	require.True(t, ok)
	vuln, ok := h.oracle.Decrypt(analysis.Vulnerability)
	require.True(t, ok)
	assert.Equal(t, uint64(30), riskScore)
	assert.Equal(t, uint64(500), vuln)

	result, err := h.svc.GetResult(ctx, analysis.ID)
	require.NoError(t, err)
	assert.False(t, result.Revealed)
	assert.Zero(t, result.RiskScore)
	assert.Zero(t, result.Vulnerability)

	revealID, err := h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	st, err = h.svc.NetworkStatus(ctx, network.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevealRequested, st.Status)

	rcb := h.prepared(t, revealID)
	revealed, err := h.svc.DeliverReveal(ctx, rcb.RequestID, rcb.Cleartexts, rcb.Proof)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), revealed.RiskScore)
	assert.Equal(t, uint64(500), revealed.Vulnerability)
	assert.True(t, revealed.Revealed)
	assert.NotNil(t, revealed.RevealedAt)

	st, err = h.svc.NetworkStatus(ctx, network.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevealed, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, uint64(30), st.Result.RiskScore)

	assert.Equal(t, []audit.EventType{
		audit.EventNetworkSubmitted,
		audit.EventAnalysisRequested,
		audit.EventAnalysisCompleted,
		audit.EventRevealRequested,
		audit.EventResultDecrypted,
	}, h.eventTypes(t))

	issued, err := h.receipts.ListByAnalysis(ctx, analysis.ID)
	require.NoError(t, err)
	require.Len(t, issued, 2)
	kinds := []receipts.Kind{issued[0].Kind, issued[1].Kind}
	assert.ElementsMatch(t, []receipts.Kind{receipts.KindAnalysis, receipts.KindReveal}, kinds)
	for _, r := range issued {
		v, err := h.receipts.Verify(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, v.Valid)
	}
}

func TestRiskFormulaExamples(t *testing.T) {
	cases := []struct {
		deps, capacity, crit uint64
		risk, vuln           uint64
	}{
		{10, 0, 5, 50, 1000},
		{20, 4, 3, 15, 500},
		{10, 2, 6, 30, 500},
	}
	for _, tc := range cases {
		h := newHarness(t, nil)
		network := h.submit(t, tc.deps, tc.capacity, tc.crit, records.SectorTransport)
		analysis := h.analyze(t, network.ID)

		gotRisk, _ := h.oracle.Decrypt(analysis.RiskScore)
		gotVuln, _ := h.oracle.Decrypt(analysis.Vulnerability)
		assert.Equal(t, tc.risk, gotRisk, "risk for %+v", tc)
		assert.Equal(t, tc.vuln, gotVuln, "vulnerability for %+v", tc)
	}
}

func TestWithCalculator(t *testing.T) {
	h := newHarness(t, nil, WithCalculator(func(in risk.Inputs) risk.Scores {
		return risk.Scores{RiskScore: in.Dependencies + in.Capacity + in.Criticality, Vulnerability: 7}
	}))
	network := h.submit(t, 1, 2, 3, records.SectorPower)
	analysis := h.analyze(t, network.ID)

	got, _ := h.oracle.Decrypt(analysis.RiskScore)
	assert.Equal(t, uint64(6), got)
	got, _ = h.oracle.Decrypt(analysis.Vulnerability)
	assert.Equal(t, uint64(7), got)
}

func TestDeliverAnalysis_UnknownRequest(t *testing.T) {
	h := newHarness(t, nil)
	network := h.submit(t, 10, 2, 6, records.SectorPower)

	handles := network.Handles()
	sig, err := h.signer.Sign("dec_999", handles, []uint64{10, 2, 6})
	require.NoError(t, err)

	_, err = h.svc.DeliverAnalysis(context.Background(), "dec_999", []uint64{10, 2, 6}, oracle.Proof{Signatures: []string{sig}})
	assert.ErrorIs(t, err, ErrUnknownRequest)

	_, err = h.svc.GetAnalysisByNetwork(context.Background(), network.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeliverAnalysis_ReplayIsUnknown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)

	id, err := h.svc.RequestAnalysis(ctx, network.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)

	first, err := h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.NoError(t, err)

	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	again, err := h.svc.GetAnalysisByNetwork(ctx, network.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestRequestAnalysis_OncePerNetwork(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)

	_, err := h.svc.RequestAnalysis(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := h.svc.RequestAnalysis(ctx, network.ID)
	require.NoError(t, err)

	_, err = h.svc.RequestAnalysis(ctx, network.ID)
	assert.ErrorIs(t, err, ErrAnalysisPending)

	cb := h.prepared(t, id)
	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.NoError(t, err)

	_, err = h.svc.RequestAnalysis(ctx, network.ID)
	assert.ErrorIs(t, err, ErrAlreadyAnalyzed)
}

func TestRequestAnalysis_ConcurrentOnlyOneWins(t *testing.T) {
	h := newHarness(t, nil)
	network := h.submit(t, 10, 2, 6, records.SectorPower)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RequestAnalysis(context.Background(), network.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAnalysisPending)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.pendingCount(t))
}

func TestDeliverAnalysis_BadProofPreservesEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)

	id, err := h.svc.RequestAnalysis(ctx, network.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)

	tampered := []uint64{11, 2, 6}
	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, tampered, cb.Proof)
	assert.ErrorIs(t, err, ErrProofVerificationFailed)

	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, oracle.Proof{})
	assert.ErrorIs(t, err, ErrProofVerificationFailed)

	// A signature from an untrusted key is rejected too.
	rogue, err := oracle.GenerateSigner()
	require.NoError(t, err)
	sig, err := rogue.Sign(cb.RequestID, network.Handles(), cb.Cleartexts)
	require.NoError(t, err)
	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, oracle.Proof{Signatures: []string{sig}})
	assert.ErrorIs(t, err, ErrProofVerificationFailed)

	assert.Equal(t, 1, h.pendingCount(t))
	st, err := h.svc.NetworkStatus(ctx, network.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAnalysisRequested, st.Status)

	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.NoError(t, err)
	assert.Equal(t, 0, h.pendingCount(t))
}

func TestDeliverAnalysis_MalformedCleartext(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)

	id, err := h.svc.RequestAnalysis(ctx, network.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)

	for _, values := range [][]uint64{
		{10, 2},
		{10, 2, 6, 1},
		{1 << 32, 2, 6},
	} {
		sig, err := h.signer.Sign(cb.RequestID, network.Handles(), values)
		require.NoError(t, err)
		_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, values, oracle.Proof{Signatures: []string{sig}})
		assert.ErrorIs(t, err, ErrMalformedCleartext, "values %v", values)
	}
	assert.Equal(t, 1, h.pendingCount(t))

	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	assert.NoError(t, err)
}

func TestDeliver_WrongKindIsUnknown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)
	analysis := h.analyze(t, network.ID)

	revealID, err := h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	cb := h.prepared(t, revealID)

	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.Equal(t, 1, h.pendingCount(t))

	_, err = h.svc.DeliverReveal(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	assert.NoError(t, err)
}

func TestRequestReveal_Errors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.RequestReveal(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	network := h.submit(t, 10, 2, 6, records.SectorPower)
	analysis := h.analyze(t, network.ID)

	id, err := h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)
	_, err = h.svc.DeliverReveal(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.NoError(t, err)

	_, err = h.svc.RequestReveal(ctx, analysis.ID)
	assert.ErrorIs(t, err, ErrAlreadyRevealed)
}

func TestDeliverReveal_ConcurrentRequestsRevealOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)
	analysis := h.analyze(t, network.ID)

	firstID, err := h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	secondID, err := h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)
	assert.Equal(t, 2, h.pendingCount(t))

	first := h.prepared(t, firstID)
	second := h.prepared(t, secondID)

	_, err = h.svc.DeliverReveal(ctx, first.RequestID, first.Cleartexts, first.Proof)
	require.NoError(t, err)

	_, err = h.svc.DeliverReveal(ctx, second.RequestID, second.Cleartexts, second.Proof)
	assert.ErrorIs(t, err, ErrAlreadyRevealed)
	// The stale entry stays until the janitor retires it.
	assert.Equal(t, 1, h.pendingCount(t))

	stale, err := h.pending.Lookup(ctx, string(secondID))
	require.NoError(t, err)
	require.NoError(t, h.svc.ExpirePending(ctx, stale))
	assert.Equal(t, 0, h.pendingCount(t))

	_, err = h.svc.DeliverReveal(ctx, second.RequestID, second.Cleartexts, second.Proof)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	result, err := h.svc.GetResult(ctx, analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), result.RiskScore)

	events, err := h.svc.ListEvents(ctx, audit.Filter{Type: audit.EventRequestExpired})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(secondID), events[0].RequestID)
	assert.Equal(t, analysis.ID, events[0].AnalysisID)
	assert.Equal(t, network.ID, events[0].NetworkID)
}

func TestDeliverReveal_BadProofPreservesEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)
	analysis := h.analyze(t, network.ID)

	id, err := h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)

	_, err = h.svc.DeliverReveal(ctx, cb.RequestID, []uint64{1, 1}, cb.Proof)
	assert.ErrorIs(t, err, ErrProofVerificationFailed)

	result, err := h.svc.GetResult(ctx, analysis.ID)
	require.NoError(t, err)
	assert.False(t, result.Revealed)
	assert.Equal(t, 1, h.pendingCount(t))

	_, err = h.svc.DeliverReveal(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.NoError(t, err)
}

func TestDeliverReveal_ScoreAboveUint32(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 100000, 1, 100000, records.SectorWater)
	analysis := h.analyze(t, network.ID)

	id, err := h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)
	require.Equal(t, []uint64{10_000_000_000, 10_000_000}, cb.Cleartexts)

	result, err := h.svc.DeliverReveal(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.NoError(t, err)
	assert.True(t, result.Revealed)
	assert.Equal(t, uint64(10_000_000_000), result.RiskScore)
	assert.Equal(t, uint64(10_000_000), result.Vulnerability)
	assert.Equal(t, 0, h.pendingCount(t))
}

func TestDeliverReveal_WrongArity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)
	analysis := h.analyze(t, network.ID)

	id, err := h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)

	values := []uint64{30, 500, 1}
	sig, err := h.signer.Sign(cb.RequestID, analysis.Handles(), values)
	require.NoError(t, err)
	_, err = h.svc.DeliverReveal(ctx, cb.RequestID, values, oracle.Proof{Signatures: []string{sig}})
	assert.ErrorIs(t, err, ErrMalformedCleartext)
	assert.Equal(t, 1, h.pendingCount(t))

	_, err = h.svc.DeliverReveal(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	assert.NoError(t, err)
}

func TestHandleCallback_InvalidRoute(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.HandleCallback(context.Background(), oracle.Callback{RequestID: "dec_1", Route: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestLocalOracle_AutoDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.SetDeliverer(h.svc.HandleCallback)
	ctx := context.Background()

	network := h.submit(t, 20, 4, 3, records.SectorTelecom)
	_, err := h.svc.RequestAnalysis(ctx, network.ID)
	require.NoError(t, err)
	h.oracle.Wait()

	analysis, err := h.svc.GetAnalysisByNetwork(ctx, network.ID)
	require.NoError(t, err)

	_, err = h.svc.RequestReveal(ctx, analysis.ID)
	require.NoError(t, err)
	h.oracle.Wait()

	result, err := h.svc.GetResult(ctx, analysis.ID)
	require.NoError(t, err)
	assert.True(t, result.Revealed)
	assert.Equal(t, uint64(15), result.RiskScore)
	assert.Equal(t, uint64(500), result.Vulnerability)
}

func TestAuthorization(t *testing.T) {
	t.Run("deny by default", func(t *testing.T) {
		signer, err := oracle.GenerateSigner()
		require.NoError(t, err)
		verifier, err := oracle.NewVerifier([]common.Address{signer.Address()}, 1)
		require.NoError(t, err)
		local := oracle.NewLocal(signer, discard)
		svc, err := New(Deps{
			Records:   records.NewMemoryStore(),
			Pending:   tracker.NewMemoryStore(),
			Oracle:    local,
			Encryptor: local,
			Verifier:  verifier,
		})
		require.NoError(t, err)

		h, _ := local.Encrypt(context.Background(), 1)
		_, err = svc.SubmitNetwork(context.Background(), records.NetworkInput{
			DependencyMatrix: h, Capacity: h, Criticality: h, Sector: records.SectorPower,
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("scope policy", func(t *testing.T) {
		h := newHarness(t, nil, WithAuthorizer(policy.NewScopePolicy(nil)))
		handle := h.encrypt(t, 1)
		in := records.NetworkInput{DependencyMatrix: handle, Capacity: handle, Criticality: handle, Sector: records.SectorWater}

		_, err := h.svc.SubmitNetwork(context.Background(), in)
		assert.ErrorIs(t, err, ErrUnauthorized)

		reader := auth.WithPrincipal(context.Background(), &auth.Principal{KeyID: "k1", Scopes: []string{auth.ScopeReveal}})
		_, err = h.svc.SubmitNetwork(reader, in)
		assert.ErrorIs(t, err, ErrUnauthorized)

		submitter := auth.WithPrincipal(context.Background(), &auth.Principal{KeyID: "k2", Scopes: []string{auth.ScopeSubmit}})
		rec, err := h.svc.SubmitNetwork(submitter, in)
		require.NoError(t, err)

		_, err = h.svc.RequestAnalysis(submitter, rec.ID)
		assert.ErrorIs(t, err, ErrUnauthorized)

		analyst := auth.WithPrincipal(context.Background(), &auth.Principal{KeyID: "k3", Scopes: []string{auth.ScopeAnalyze}})
		id, err := h.svc.RequestAnalysis(analyst, rec.ID)
		require.NoError(t, err)

		cb := h.prepared(t, id)
		_, err = h.svc.DeliverAnalysis(analyst, cb.RequestID, cb.Cleartexts, cb.Proof)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, 1, h.pendingCount(t))

		oracleCtx := auth.WithPrincipal(context.Background(), auth.OraclePrincipal)
		_, err = h.svc.DeliverAnalysis(oracleCtx, cb.RequestID, cb.Cleartexts, cb.Proof)
		assert.NoError(t, err)
	})
}

type failingAnalysisStore struct {
	records.Store
	fail bool
}

func (f *failingAnalysisStore) CreateAnalysis(ctx context.Context, rec *records.AnalysisRecord) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.CreateAnalysis(ctx, rec)
}

func TestDeliverAnalysis_RestoresEntryOnWriteFailure(t *testing.T) {
	store := &failingAnalysisStore{Store: records.NewMemoryStore(), fail: true}
	h := newHarness(t, []harnessOpt{withRecords(store)})
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)

	id, err := h.svc.RequestAnalysis(ctx, network.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)

	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.Error(t, err)
	assert.Equal(t, 1, h.pendingCount(t))

	store.fail = false
	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	require.NoError(t, err)
}

func TestJanitor_ExpiresThroughLedger(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	network := h.submit(t, 10, 2, 6, records.SectorPower)

	id, err := h.svc.RequestAnalysis(ctx, network.ID)
	require.NoError(t, err)
	cb := h.prepared(t, id)

	janitor := tracker.NewJanitor(h.pending, h.svc, time.Minute, time.Minute, discard)
	assert.Equal(t, 0, janitor.Sweep(ctx, time.Now()))
	assert.Equal(t, 1, janitor.Sweep(ctx, time.Now().Add(time.Hour)))

	_, err = h.svc.DeliverAnalysis(ctx, cb.RequestID, cb.Cleartexts, cb.Proof)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	st, err := h.svc.NetworkStatus(ctx, network.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, st.Status)

	// Expiry frees the network for a fresh analysis request.
	_, err = h.svc.RequestAnalysis(ctx, network.ID)
	assert.NoError(t, err)
}

func TestExpirePending_AlreadyGoneIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.ExpirePending(context.Background(), &tracker.PendingRequest{
		RequestID: "dec_missing", Kind: tracker.KindAnalysis, TargetID: 1,
	})
	assert.NoError(t, err)
	assert.Empty(t, h.eventTypes(t))
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handle := h.encrypt(t, 1)
	_, err := h.svc.SubmitNetwork(ctx, records.NetworkInput{
		DependencyMatrix: handle, Capacity: handle, Criticality: handle, Sector: records.SectorPower,
	})
	assert.ErrorIs(t, err, context.Canceled)
}
