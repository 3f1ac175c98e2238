package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	tests := []struct {
		name string
		in   Inputs
		want Scores
	}{
		{"zero capacity treated as one", Inputs{Dependencies: 10, Capacity: 0, Criticality: 5}, Scores{RiskScore: 50, Vulnerability: 1000}},
		{"truncates", Inputs{Dependencies: 20, Capacity: 4, Criticality: 3}, Scores{RiskScore: 15, Vulnerability: 500}},
		{"power grid example", Inputs{Dependencies: 10, Capacity: 2, Criticality: 6}, Scores{RiskScore: 30, Vulnerability: 500}},
		{"rounds down", Inputs{Dependencies: 7, Capacity: 3, Criticality: 2}, Scores{RiskScore: 4, Vulnerability: 233}},
		{"no dependencies", Inputs{Dependencies: 0, Capacity: 9, Criticality: 9}, Scores{}},
		{"capacity larger than load", Inputs{Dependencies: 1, Capacity: 1000, Criticality: 5}, Scores{RiskScore: 0, Vulnerability: 0}},
		{"32-bit maxima", Inputs{Dependencies: 1<<32 - 1, Capacity: 1, Criticality: 1<<32 - 1}, Scores{RiskScore: (1<<32 - 1) * (1<<32 - 1), Vulnerability: (1<<32 - 1) * 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Default(tt.in))
		})
	}
}

func TestDefault_Deterministic(t *testing.T) {
	in := Inputs{Dependencies: 123, Capacity: 7, Criticality: 9}
	var calc Calculator = Default
	assert.Equal(t, calc(in), calc(in))
}
