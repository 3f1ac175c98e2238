// Package records is the ledger's record store: encrypted network
// submissions, the encrypted analyses computed from them, and the
// decrypted-result slots that are filled at most once.
//
// Record IDs are sequential, start at 1 and are never reused. ID 0 always
// means "absent". Records are never deleted.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/infravault/internal/ciphertext"
)

var (
	ErrNotFound        = errors.New("records: not found")
	ErrInvalidSector   = errors.New("records: invalid sector")
	ErrAlreadyRevealed = errors.New("records: result already revealed")
	ErrAlreadyAnalyzed = errors.New("records: network already analyzed")
)

// Sector classifies the infrastructure a network belongs to.
type Sector uint8

const (
	SectorPower     Sector = 1
	SectorTelecom   Sector = 2
	SectorTransport Sector = 3
	SectorWater     Sector = 4
)

var sectorNames = map[Sector]string{
	SectorPower:     "power",
	SectorTelecom:   "telecom",
	SectorTransport: "transport",
	SectorWater:     "water",
}

// Valid reports whether s is a known sector.
func (s Sector) Valid() bool {
	_, ok := sectorNames[s]
	return ok
}

func (s Sector) String() string {
	if name, ok := sectorNames[s]; ok {
		return name
	}
	return fmt.Sprintf("sector(%d)", uint8(s))
}

// ParseSector accepts a sector name ("power") or its numeric code ("1").
func ParseSector(s string) (Sector, error) {
	for sec, name := range sectorNames {
		if s == name || s == fmt.Sprintf("%d", uint8(sec)) {
			return sec, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSector, s)
}

// NetworkRecord is an encrypted infrastructure network submission.
type NetworkRecord struct {
	ID               uint64            `json:"id"`
	DependencyMatrix ciphertext.Handle `json:"dependencyMatrix"`
	Capacity         ciphertext.Handle `json:"capacity"`
	Criticality      ciphertext.Handle `json:"criticality"`
	Sector           Sector            `json:"sector"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// Handles returns the network's ciphertexts in oracle order:
// dependencies, capacity, criticality.
func (n *NetworkRecord) Handles() []ciphertext.Handle {
	return []ciphertext.Handle{n.DependencyMatrix, n.Capacity, n.Criticality}
}

// NetworkInput is the payload of a network submission.
type NetworkInput struct {
	DependencyMatrix ciphertext.Handle
	Capacity         ciphertext.Handle
	Criticality      ciphertext.Handle
	Sector           Sector
}

// Validate checks the handles and sector. Handle failures wrap
// ciphertext.ErrInvalid; sector failures wrap ErrInvalidSector.
func (in NetworkInput) Validate() error {
	if err := ciphertext.ValidateAll(map[string]ciphertext.Handle{
		"dependencyMatrix": in.DependencyMatrix,
		"capacity":         in.Capacity,
		"criticality":      in.Criticality,
	}); err != nil {
		return err
	}
	if !in.Sector.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSector, in.Sector)
	}
	return nil
}

// AnalysisRecord holds the encrypted risk metrics computed for a network.
type AnalysisRecord struct {
	ID            uint64            `json:"id"`
	NetworkID     uint64            `json:"networkId"`
	RiskScore     ciphertext.Handle `json:"riskScore"`
	Vulnerability ciphertext.Handle `json:"vulnerability"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Handles returns the analysis ciphertexts in oracle order: risk, vulnerability.
func (a *AnalysisRecord) Handles() []ciphertext.Handle {
	return []ciphertext.Handle{a.RiskScore, a.Vulnerability}
}

// DecryptedResult is the plaintext slot of an analysis. It starts
// unrevealed with zero values and is filled exactly once.
type DecryptedResult struct {
	AnalysisID    uint64     `json:"analysisId"`
	RiskScore     uint64     `json:"riskScore"`
	Vulnerability uint64     `json:"vulnerability"`
	Revealed      bool       `json:"revealed"`
	RevealedAt    *time.Time `json:"revealedAt,omitempty"`
}

// Store persists ledger records. Implementations assign IDs and return
// copies, so callers never observe partially written records.
type Store interface {
	// CreateNetwork assigns the next network ID to rec and stores it.
	CreateNetwork(ctx context.Context, rec *NetworkRecord) error
	GetNetwork(ctx context.Context, id uint64) (*NetworkRecord, error)
	ListNetworks(ctx context.Context, afterID uint64, limit int) ([]*NetworkRecord, error)

	// CreateAnalysis assigns the next analysis ID to rec, stores it, and
	// seeds an unrevealed DecryptedResult in the same step. A second
	// analysis for the same network fails with ErrAlreadyAnalyzed.
	CreateAnalysis(ctx context.Context, rec *AnalysisRecord) error
	GetAnalysis(ctx context.Context, id uint64) (*AnalysisRecord, error)
	GetAnalysisByNetwork(ctx context.Context, networkID uint64) (*AnalysisRecord, error)

	GetResult(ctx context.Context, analysisID uint64) (*DecryptedResult, error)
	// MarkRevealed fills the result once. It fails with ErrAlreadyRevealed
	// if the result was revealed before, and ErrNotFound if it does not exist.
	MarkRevealed(ctx context.Context, analysisID, riskScore, vulnerability uint64, at time.Time) (*DecryptedResult, error)
}
