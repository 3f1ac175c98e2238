package receipts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/infravault/internal/idgen"
)

// Service implements receipt business logic.
type Service struct {
	store  Store
	signer *Signer
}

// NewService creates a new receipt service.
// If signer is nil, Issue is a no-op (signing disabled).
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
	}
}

// Enabled reports whether receipts are being signed.
func (s *Service) Enabled() bool {
	return s != nil && s.signer != nil
}

// Issue signs and persists a receipt. Nil-safe: returns nil, nil if the
// service or signer is nil.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Receipt, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if req.Kind != KindAnalysis && req.Kind != KindReveal {
		return nil, fmt.Errorf("receipts: invalid kind %q", req.Kind)
	}

	receipt := &Receipt{
		ID:            idgen.WithPrefix("rcpt_"),
		Kind:          req.Kind,
		AnalysisID:    req.AnalysisID,
		NetworkID:     req.NetworkID,
		RequestID:     req.RequestID,
		RiskScore:     req.RiskScore,
		Vulnerability: req.Vulnerability,
		CreatedAt:     time.Now().UTC(),
	}
	seal, err := s.signer.Sign(payloadOf(receipt))
	if err != nil {
		return nil, fmt.Errorf("receipts: sign: %w", err)
	}
	receipt.PayloadHash = seal.PayloadHash
	receipt.Signature = seal.Signature
	receipt.IssuedAt = seal.IssuedAt
	receipt.ExpiresAt = seal.ExpiresAt

	if err := s.store.Create(ctx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByAnalysis returns every receipt issued for an analysis, oldest first.
func (s *Service) ListByAnalysis(ctx context.Context, analysisID uint64) ([]*Receipt, error) {
	return s.store.ListByAnalysis(ctx, analysisID)
}

// Verify checks the stored copy of a receipt.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	return s.verify(ctx, receiptID, nil)
}

// VerifyPresented checks a receipt as held by a third party: its
// signature must be valid and it must match the ledger's own copy, so an
// altered expiry or score is caught even when the payload was re-signed
// with a leaked secret.
func (s *Service) VerifyPresented(ctx context.Context, presented *Receipt) (*VerifyResponse, error) {
	return s.verify(ctx, presented.ID, presented)
}

func (s *Service) verify(ctx context.Context, receiptID string, presented *Receipt) (*VerifyResponse, error) {
	resp := &VerifyResponse{ReceiptID: receiptID}
	if !s.Enabled() {
		resp.Error = ErrSigningDisabled.Error()
		return resp, nil
	}

	stored, err := s.store.Get(ctx, receiptID)
	if errors.Is(err, ErrReceiptNotFound) {
		resp.Error = ErrReceiptNotFound.Error()
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	subject := stored
	if presented != nil {
		subject = presented
	}
	switch {
	case !s.signer.Verify(payloadOf(subject), subject.Signature):
		resp.Error = "signature verification failed"
	case presented != nil && !sameReceipt(stored, presented):
		resp.Error = "receipt does not match the ledger copy"
	default:
		resp.Valid = true
		resp.Expired = s.signer.now().After(stored.ExpiresAt)
	}
	return resp, nil
}

func sameReceipt(a, b *Receipt) bool {
	return payloadOf(a) == payloadOf(b) &&
		a.PayloadHash == b.PayloadHash &&
		a.Signature == b.Signature &&
		a.ExpiresAt.Equal(b.ExpiresAt)
}
