package receipts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const testSecret = "test-hmac-secret-for-receipts"

func newTestService() *Service {
	return NewService(NewMemoryStore(), NewSigner(testSecret))
}

func issueTestReceipt(t *testing.T, svc *Service, kind Kind, analysisID uint64) *Receipt {
	t.Helper()
	r, err := svc.Issue(context.Background(), IssueRequest{
		Kind:          kind,
		AnalysisID:    analysisID,
		NetworkID:     7,
		RequestID:     "dec_1",
		RiskScore:     "30",
		Vulnerability: "500",
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return r
}

func TestIssue_Success(t *testing.T) {
	svc := newTestService()
	issued := issueTestReceipt(t, svc, KindReveal, 1)

	receipts, err := svc.ListByAnalysis(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListByAnalysis failed: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}

	r := receipts[0]
	if r.ID != issued.ID {
		t.Errorf("expected id %s, got %s", issued.ID, r.ID)
	}
	if !strings.HasPrefix(r.ID, "rcpt_") {
		t.Errorf("expected rcpt_ prefix, got %s", r.ID)
	}
	if r.Kind != KindReveal {
		t.Errorf("expected kind reveal, got %s", r.Kind)
	}
	if r.RiskScore != "30" || r.Vulnerability != "500" {
		t.Errorf("unexpected scores %s/%s", r.RiskScore, r.Vulnerability)
	}
	if r.Signature == "" {
		t.Error("expected non-empty signature")
	}
	if r.PayloadHash == "" {
		t.Error("expected non-empty payload hash")
	}
	if r.IssuedAt.IsZero() || r.ExpiresAt.IsZero() {
		t.Error("expected issuedAt and expiresAt to be set")
	}
	if !r.ExpiresAt.After(time.Now().Add(300 * 24 * time.Hour)) {
		t.Errorf("expiresAt too early: %v", r.ExpiresAt)
	}
}

func TestIssue_InvalidKind(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Issue(context.Background(), IssueRequest{Kind: "bogus", AnalysisID: 1}); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestIssue_NilSigner(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)

	r, err := svc.Issue(context.Background(), IssueRequest{Kind: KindReveal, AnalysisID: 1})
	if err != nil || r != nil {
		t.Fatalf("expected no-op with nil signer, got %v, %v", r, err)
	}
	receipts, _ := store.ListByAnalysis(context.Background(), 1)
	if len(receipts) != 0 {
		t.Errorf("expected no receipts stored, got %d", len(receipts))
	}
}

func TestIssue_NilService(t *testing.T) {
	var svc *Service
	if _, err := svc.Issue(context.Background(), IssueRequest{Kind: KindReveal}); err != nil {
		t.Fatalf("expected nil error from nil service, got %v", err)
	}
}

func TestVerify_Valid(t *testing.T) {
	svc := newTestService()
	r := issueTestReceipt(t, svc, KindAnalysis, 1)

	resp, err := svc.Verify(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.Valid {
		t.Errorf("expected valid receipt, got error %q", resp.Error)
	}
	if resp.Expired {
		t.Error("fresh receipt should not be expired")
	}
}

func TestVerify_TamperedScore(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewSigner(testSecret))
	r := issueTestReceipt(t, svc, KindReveal, 1)

	store.mu.Lock()
	store.log[store.index[r.ID]].RiskScore = "1"
	store.mu.Unlock()

	resp, err := svc.Verify(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.Valid {
		t.Error("tampered receipt should not verify")
	}
	if resp.Error == "" {
		t.Error("expected an error message")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	store := NewMemoryStore()
	r := issueTestReceipt(t, NewService(store, NewSigner(testSecret)), KindReveal, 1)

	other := NewService(store, NewSigner("another-secret"))
	resp, _ := other.Verify(context.Background(), r.ID)
	if resp.Valid {
		t.Error("receipt should not verify under a different secret")
	}
}

func TestVerify_NotFound(t *testing.T) {
	svc := newTestService()
	resp, err := svc.Verify(context.Background(), "rcpt_missing")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.Valid || resp.Error != ErrReceiptNotFound.Error() {
		t.Errorf("expected not-found response, got %+v", resp)
	}
}

func TestVerify_SigningDisabled(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	resp, _ := svc.Verify(context.Background(), "rcpt_x")
	if resp.Valid || resp.Error != ErrSigningDisabled.Error() {
		t.Errorf("expected signing-disabled response, got %+v", resp)
	}
}

func TestListByAnalysis_Isolated(t *testing.T) {
	svc := newTestService()
	issueTestReceipt(t, svc, KindAnalysis, 1)
	issueTestReceipt(t, svc, KindReveal, 1)
	issueTestReceipt(t, svc, KindAnalysis, 2)

	one, _ := svc.ListByAnalysis(context.Background(), 1)
	if len(one) != 2 {
		t.Fatalf("expected 2 receipts for analysis 1, got %d", len(one))
	}
	two, _ := svc.ListByAnalysis(context.Background(), 2)
	if len(two) != 1 {
		t.Fatalf("expected 1 receipt for analysis 2, got %d", len(two))
	}
}

func TestSigner_SignAndVerify(t *testing.T) {
	s := NewSigner(testSecret)
	payload := receiptPayload{AnalysisID: 1, Kind: "reveal", RiskScore: "30", Vulnerability: "500"}

	seal, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	sig := seal.Signature
	if len(sig) != 64 || len(seal.PayloadHash) != 64 {
		t.Errorf("expected 64 hex chars, got %q / %q", sig, seal.PayloadHash)
	}
	if !seal.ExpiresAt.After(seal.IssuedAt) {
		t.Error("expiresAt must follow issuedAt")
	}
	if s.Verify(payload, "not-hex") {
		t.Error("malformed signature should not verify")
	}
	if !s.Verify(payload, sig) {
		t.Error("signature should verify")
	}
	payload.RiskScore = "31"
	if s.Verify(payload, sig) {
		t.Error("modified payload should not verify")
	}
}

func TestSigner_Nil(t *testing.T) {
	if NewSigner("") != nil {
		t.Fatal("empty secret should disable signing")
	}
	var s *Signer
	if s.Verify(receiptPayload{}, "abc") {
		t.Error("nil signer should never verify")
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Get(context.Background(), "nope"); err != ErrReceiptNotFound {
		t.Errorf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestHandler_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService()
	r := issueTestReceipt(t, svc, KindReveal, 3)

	router := gin.New()
	NewHandler(svc, nil).RegisterRoutes(router.Group("/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receipts/"+r.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get receipt: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receipts/rcpt_missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing receipt: expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/analyses/3/receipts", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("expected count 1, got %d", list.Count)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/analyses/abc/receipts", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	body := strings.NewReader(`{"receiptId":"` + r.ID + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/receipts/verify", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"valid":true`) {
		t.Errorf("expected valid verification, got %s", w.Body.String())
	}
}

func TestVerifyPresented(t *testing.T) {
	svc := newTestService()
	r := issueTestReceipt(t, svc, KindReveal, 4)

	resp, err := svc.VerifyPresented(context.Background(), r)
	if err != nil {
		t.Fatalf("VerifyPresented failed: %v", err)
	}
	if !resp.Valid {
		t.Errorf("holder copy should verify, got %q", resp.Error)
	}

	// Re-signed with the same secret but a later expiry: signature holds,
	// ledger copy does not match.
	extended := *r
	extended.ExpiresAt = r.ExpiresAt.Add(24 * time.Hour)
	resp, _ = svc.VerifyPresented(context.Background(), &extended)
	if resp.Valid {
		t.Error("extended expiry should not verify")
	}

	forged := *r
	forged.Vulnerability = "1"
	resp, _ = svc.VerifyPresented(context.Background(), &forged)
	if resp.Valid || resp.Error != "signature verification failed" {
		t.Errorf("forged score: got valid=%v error=%q", resp.Valid, resp.Error)
	}

	unknown := *r
	unknown.ID = "rcpt_unknown"
	resp, _ = svc.VerifyPresented(context.Background(), &unknown)
	if resp.Valid || resp.Error != ErrReceiptNotFound.Error() {
		t.Errorf("unknown receipt: got valid=%v error=%q", resp.Valid, resp.Error)
	}
}

func TestMemoryStore_RejectsDuplicateAndKeepsOrder(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewSigner(testSecret))
	first := issueTestReceipt(t, svc, KindAnalysis, 9)
	second := issueTestReceipt(t, svc, KindReveal, 9)

	if err := store.Create(context.Background(), first); err == nil {
		t.Error("expected duplicate id to be rejected")
	}

	list, err := store.ListByAnalysis(context.Background(), 9)
	if err != nil {
		t.Fatalf("ListByAnalysis failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("expected issue order [%s %s], got %d receipts", first.ID, second.ID, len(list))
	}
}

func TestHandler_VerifyPresentedCopy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService()
	r := issueTestReceipt(t, svc, KindAnalysis, 5)

	router := gin.New()
	NewHandler(svc, nil).RegisterRoutes(router.Group("/v1"))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/receipts/verify", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	raw, _ := json.Marshal(VerifyRequest{Receipt: r})
	w := post(string(raw))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"valid":true`) {
		t.Errorf("presented copy: got %d %s", w.Code, w.Body.String())
	}

	for _, body := range []string{`{}`, `{"receiptId":"x","receipt":{"id":"x"}}`, `not json`} {
		if w := post(body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}
