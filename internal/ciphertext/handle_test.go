package ciphertext

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func TestParse_Valid(t *testing.T) {
	h, err := Parse(sample)
	require.NoError(t, err)
	assert.Equal(t, sample, h.String())
	assert.False(t, h.IsZero())
	assert.NoError(t, h.Validate())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"no prefix": strings.TrimPrefix(sample, "0x"),
		"short":     "0xaabb",
		"not hex":   "0x" + strings.Repeat("zz", 32),
		"empty":     "",
		"zero":      "0x" + strings.Repeat("00", 32),
		"too long":  sample + "00",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(in)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestHandle_JSON(t *testing.T) {
	type wrapper struct {
		H Handle `json:"h"`
	}
	in := wrapper{H: MustParse(sample)}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"h":"`+sample+`"}`, string(b))

	var out wrapper
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in.H, out.H)

	err = json.Unmarshal([]byte(`{"h":"0x01"}`), &out)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateAll_NamesField(t *testing.T) {
	err := ValidateAll(map[string]Handle{
		"capacity": {},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "capacity")
}

func TestFromBytes_LeftPads(t *testing.T) {
	h := FromBytes([]byte{0xaa})
	assert.Equal(t, sample, h.String())
}
