package oracle

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/infravault/internal/ciphertext"
)

func testHandles() []ciphertext.Handle {
	return []ciphertext.Handle{
		ciphertext.FromBytes([]byte{0x01}),
		ciphertext.FromBytes([]byte{0x02}),
		ciphertext.FromBytes([]byte{0x03}),
	}
}

func mustSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := GenerateSigner()
	require.NoError(t, err)
	return s
}

func TestVerify_ValidProof(t *testing.T) {
	signer := mustSigner(t)
	v, err := NewVerifier([]common.Address{signer.Address()}, 1)
	require.NoError(t, err)

	handles := testHandles()
	sig, err := signer.Sign("dec_1", handles, []uint64{10, 2, 6})
	require.NoError(t, err)

	assert.NoError(t, v.Verify("dec_1", handles, []uint64{10, 2, 6}, Proof{Signatures: []string{sig}}))
}

func TestVerify_RejectsTampering(t *testing.T) {
	signer := mustSigner(t)
	v, err := NewVerifier([]common.Address{signer.Address()}, 1)
	require.NoError(t, err)

	handles := testHandles()
	sig, err := signer.Sign("dec_1", handles, []uint64{10, 2, 6})
	require.NoError(t, err)
	proof := Proof{Signatures: []string{sig}}

	otherHandles := testHandles()
	otherHandles[2] = ciphertext.FromBytes([]byte{0x09})

	cases := map[string]func() error{
		"cleartext changed": func() error { return v.Verify("dec_1", handles, []uint64{10, 2, 7}, proof) },
		"request changed":   func() error { return v.Verify("dec_2", handles, []uint64{10, 2, 6}, proof) },
		"handles changed":   func() error { return v.Verify("dec_1", otherHandles, []uint64{10, 2, 6}, proof) },
		"empty proof":       func() error { return v.Verify("dec_1", handles, []uint64{10, 2, 6}, Proof{}) },
		"garbage signature": func() error {
			return v.Verify("dec_1", handles, []uint64{10, 2, 6}, Proof{Signatures: []string{"0xdeadbeef"}})
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, fn(), ErrProofVerificationFailed)
		})
	}
}

func TestVerify_UntrustedSigner(t *testing.T) {
	trusted := mustSigner(t)
	rogue := mustSigner(t)
	v, err := NewVerifier([]common.Address{trusted.Address()}, 1)
	require.NoError(t, err)

	sig, err := rogue.Sign("dec_1", testHandles(), []uint64{1, 2, 3})
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify("dec_1", testHandles(), []uint64{1, 2, 3}, Proof{Signatures: []string{sig}}), ErrProofVerificationFailed)
}

func TestVerify_Threshold(t *testing.T) {
	a, b, c := mustSigner(t), mustSigner(t), mustSigner(t)
	v, err := NewVerifier([]common.Address{a.Address(), b.Address(), c.Address()}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Threshold())

	handles := testHandles()
	vals := []uint64{4, 5, 6}
	sigA, _ := a.Sign("dec_9", handles, vals)
	sigB, _ := b.Sign("dec_9", handles, vals)

	assert.ErrorIs(t, v.Verify("dec_9", handles, vals, Proof{Signatures: []string{sigA}}), ErrProofVerificationFailed)
	assert.ErrorIs(t, v.Verify("dec_9", handles, vals, Proof{Signatures: []string{sigA, sigA}}), ErrProofVerificationFailed,
		"the same signer counted twice must not satisfy the threshold")
	assert.NoError(t, v.Verify("dec_9", handles, vals, Proof{Signatures: []string{sigA, sigB}}))
}

func TestVerify_AcceptsZeroOneRecoveryID(t *testing.T) {
	signer := mustSigner(t)
	v, err := NewVerifier([]common.Address{signer.Address()}, 1)
	require.NoError(t, err)

	sigHex, err := signer.Sign("dec_1", testHandles(), []uint64{1})
	require.NoError(t, err)
	raw, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	raw[64] -= 27

	assert.NoError(t, v.Verify("dec_1", testHandles(), []uint64{1}, Proof{Signatures: []string{hexutil.Encode(raw)}}))
}

func TestNewVerifier_Errors(t *testing.T) {
	_, err := NewVerifier(nil, 1)
	assert.Error(t, err)

	s := mustSigner(t)
	_, err = NewVerifier([]common.Address{s.Address()}, 2)
	assert.Error(t, err)

	v, err := NewVerifier([]common.Address{s.Address()}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Threshold())
}

func TestParseSignerAddresses(t *testing.T) {
	a, b := mustSigner(t), mustSigner(t)
	csv := a.Address().Hex() + ", " + strings.ToLower(b.Address().Hex()) + ","
	got, err := ParseSignerAddresses(csv)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{a.Address(), b.Address()}, got)

	_, err = ParseSignerAddresses("0x1234")
	assert.Error(t, err)
}

func TestSignerFromHex(t *testing.T) {
	const key = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	s, err := SignerFromHex(key)
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address().Hex())

	_, err = SignerFromHex("nothex")
	assert.Error(t, err)
}

func TestDigest_Deterministic(t *testing.T) {
	d1 := Digest("dec_1", testHandles(), []uint64{1, 2, 3})
	d2 := Digest("dec_1", testHandles(), []uint64{1, 2, 3})
	assert.Len(t, d1, 32)
	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, Digest("dec_1", testHandles(), []uint64{1, 2, 4}))
}
