// Package client is a typed Go client for the infravault HTTP API.
// It is what the CLI and the MCP tool server build on.
package client

import (
	"errors"
	"fmt"
	"time"
)

// Sector codes accepted by SubmitNetwork. Names ("power") work as well.
const (
	SectorPower     = "power"
	SectorTelecom   = "telecom"
	SectorTransport = "transport"
	SectorWater     = "water"
)

// Network lifecycle states reported by NetworkStatus.
const (
	StatusSubmitted         = "submitted"
	StatusAnalysisRequested = "analysis_requested"
	StatusAnalyzed          = "analyzed"
	StatusRevealRequested   = "reveal_requested"
	StatusRevealed          = "revealed"
)

// Network is a submitted set of encrypted metrics.
type Network struct {
	ID               uint64    `json:"id"`
	DependencyMatrix string    `json:"dependencyMatrix"`
	Capacity         string    `json:"capacity"`
	Criticality      string    `json:"criticality"`
	Sector           uint8     `json:"sector"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Analysis holds the encrypted risk outputs for a network.
type Analysis struct {
	ID            uint64    `json:"id"`
	NetworkID     uint64    `json:"networkId"`
	RiskScore     string    `json:"riskScore"`
	Vulnerability string    `json:"vulnerability"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Result is the reveal slot of an analysis; zero until Revealed.
type Result struct {
	AnalysisID    uint64     `json:"analysisId"`
	RiskScore     uint64     `json:"riskScore"`
	Vulnerability uint64     `json:"vulnerability"`
	Revealed      bool       `json:"revealed"`
	RevealedAt    *time.Time `json:"revealedAt,omitempty"`
}

// NetworkStatus is the derived protocol state of a network.
type NetworkStatus struct {
	NetworkID       uint64   `json:"networkId"`
	Status          string   `json:"status"`
	AnalysisID      uint64   `json:"analysisId,omitempty"`
	PendingRequests []string `json:"pendingRequests,omitempty"`
	Result          *Result  `json:"result,omitempty"`
}

// SubmitNetworkInput carries three ciphertext handles and a sector.
type SubmitNetworkInput struct {
	DependencyMatrix string `json:"dependencyMatrix"`
	Capacity         string `json:"capacity"`
	Criticality      string `json:"criticality"`
	Sector           string `json:"sector"`
}

// Event is an audit log entry.
type Event struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	NetworkID  uint64    `json:"networkId,omitempty"`
	AnalysisID uint64    `json:"analysisId,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Sector     uint8     `json:"sector,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EventFilter narrows ListEvents. Zero fields are ignored.
type EventFilter struct {
	Type       string
	NetworkID  uint64
	AnalysisID uint64
	Since      int64
	Limit      int
}

// Receipt is a signed statement about an analysis or reveal.
type Receipt struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	AnalysisID    uint64    `json:"analysisId"`
	NetworkID     uint64    `json:"networkId"`
	RequestID     string    `json:"requestId"`
	RiskScore     string    `json:"riskScore"`
	Vulnerability string    `json:"vulnerability"`
	PayloadHash   string    `json:"payloadHash"`
	Signature     string    `json:"signature"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// ReceiptVerification is the outcome of VerifyReceipt.
type ReceiptVerification struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Webhook is a registered event subscription.
type Webhook struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner"`
	URL                 string     `json:"url"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// PendingRequest is an oracle request still awaiting its callback.
type PendingRequest struct {
	RequestID string    `json:"requestId"`
	Kind      string    `json:"kind"`
	TargetID  uint64    `json:"targetId"`
	CreatedAt time.Time `json:"createdAt"`
	Age       string    `json:"age"`
}

// ReconciliationFinding is a pending request that disagrees with the ledger.
type ReconciliationFinding struct {
	RequestID string `json:"requestId"`
	Kind      string `json:"kind"`
	TargetID  uint64 `json:"targetId"`
	Problem   string `json:"problem"`
	Age       string `json:"age"`
}

// ReconciliationReport is the outcome of a tracker/ledger consistency run.
type ReconciliationReport struct {
	Checked         int                     `json:"checked"`
	MissingTargets  int                     `json:"missingTargets"`
	AlreadyAnalyzed int                     `json:"alreadyAnalyzed"`
	AlreadyRevealed int                     `json:"alreadyRevealed"`
	Overdue         int                     `json:"overdue"`
	Findings        []ReconciliationFinding `json:"findings"`
	Truncated       bool                    `json:"truncated"`
	Healthy         bool                    `json:"healthy"`
	Timestamp       time.Time               `json:"timestamp"`
}

// ServerInfo describes the server (GET /v1/info).
type ServerInfo struct {
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	OracleMode string      `json:"oracleMode"`
	Receipts   bool        `json:"receipts"`
	Sectors    []string    `json:"sectors"`
	Realtime   StreamStats `json:"realtime"`
}

// StreamStats describes the server's WebSocket event stream.
type StreamStats struct {
	Connected int   `json:"connected"`
	Peak      int64 `json:"peak"`
	Sessions  int64 `json:"sessions"`
	Events    int64 `json:"events"`
	Dropped   int64 `json:"dropped"`
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int           `json:"-"`
	RetryAfter time.Duration `json:"-"`
	Kind       string        `json:"error"`
	Message    string        `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (%d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// IsKind reports whether err is an API error of the given kind, such as
// "already_revealed" or "not_found".
func IsKind(err error, kind string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
