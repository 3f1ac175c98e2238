// Package risk computes infrastructure risk metrics from decrypted network
// parameters. The calculation is a pure function so deployments can swap
// the scoring policy without touching the callback protocol.
package risk

// VulnerabilityScale is the multiplier applied to the dependency-to-capacity
// ratio when computing vulnerability.
const VulnerabilityScale = 100

// Inputs are the cleartext network parameters delivered by the oracle.
type Inputs struct {
	Dependencies uint64
	Capacity     uint64
	Criticality  uint64
}

// Scores are the computed metrics, encrypted again before being stored.
type Scores struct {
	RiskScore     uint64
	Vulnerability uint64
}

// Calculator maps network parameters to risk scores. Implementations must be
// deterministic.
type Calculator func(Inputs) Scores

// Default is the standard scoring policy:
//
//	risk          = dependencies * criticality / max(capacity, 1)
//	vulnerability = dependencies * 100 / max(capacity, 1)
//
// using unsigned integer arithmetic with truncation. A zero capacity is
// treated as one.
func Default(in Inputs) Scores {
	divisor := in.Capacity
	if divisor == 0 {
		divisor = 1
	}
	return Scores{
		RiskScore:     in.Dependencies * in.Criticality / divisor,
		Vulnerability: in.Dependencies * VulnerabilityScale / divisor,
	}
}
