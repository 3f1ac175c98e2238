// Package receipts issues signed receipts for ledger milestones.
//
// An analysis receipt attests to the encrypted scores stored for a network;
// a reveal receipt attests to the cleartext scores published by the oracle.
// Both are HMAC-SHA256 signed so a holder can later ask the service to
// confirm the receipt was not altered.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// Kind identifies which ledger milestone the receipt covers.
type Kind string

const (
	KindAnalysis Kind = "analysis"
	KindReveal   Kind = "reveal"
)

// Receipt is a signed statement that the ledger recorded a milestone.
// For analysis receipts RiskScore and Vulnerability hold ciphertext handles;
// for reveal receipts they hold decimal cleartexts.
type Receipt struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	AnalysisID    uint64    `json:"analysisId"`
	NetworkID     uint64    `json:"networkId"`
	RequestID     string    `json:"requestId"`
	RiskScore     string    `json:"riskScore"`
	Vulnerability string    `json:"vulnerability"`
	PayloadHash   string    `json:"payloadHash"` // SHA-256 of canonical payload
	Signature     string    `json:"signature"`   // HMAC-SHA256 signature
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// IssueRequest is the input for creating a receipt.
type IssueRequest struct {
	Kind          Kind
	AnalysisID    uint64
	NetworkID     uint64
	RequestID     string
	RiskScore     string
	Vulnerability string
}

// VerifyRequest names a stored receipt or carries a holder's copy.
// Exactly one of the two must be set.
type VerifyRequest struct {
	ReceiptID string   `json:"receiptId,omitempty"`
	Receipt   *Receipt `json:"receipt,omitempty"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipt data.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListByAnalysis(ctx context.Context, analysisID uint64) ([]*Receipt, error)
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	AnalysisID    uint64 `json:"analysisId"`
	Kind          string `json:"kind"`
	NetworkID     uint64 `json:"networkId"`
	RequestID     string `json:"requestId"`
	RiskScore     string `json:"riskScore"`
	Vulnerability string `json:"vulnerability"`
}

func payloadOf(r *Receipt) receiptPayload {
	return receiptPayload{
		AnalysisID:    r.AnalysisID,
		Kind:          string(r.Kind),
		NetworkID:     r.NetworkID,
		RequestID:     r.RequestID,
		RiskScore:     r.RiskScore,
		Vulnerability: r.Vulnerability,
	}
}
