package oracle

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/infravault/internal/ciphertext"
)

const signatureLength = 65

// Digest returns the hash oracle signers sign for a callback:
// EIP-191 personal-message hash of
// keccak256(keccak256(requestID) || handle_1..n || uint256(cleartext_1..n)).
// A proof is therefore only valid for the exact handles it was issued for.
func Digest(requestID RequestID, handles []ciphertext.Handle, cleartexts []uint64) []byte {
	buf := make([]byte, 0, 32*(1+len(handles)+len(cleartexts)))
	buf = append(buf, crypto.Keccak256([]byte(requestID))...)
	for _, h := range handles {
		buf = append(buf, h.Bytes()...)
	}
	for _, v := range cleartexts {
		var word [32]byte
		binary.BigEndian.PutUint64(word[24:], v)
		buf = append(buf, word[:]...)
	}
	inner := crypto.Keccak256(buf)

	// "\x19Ethereum Signed Message:\n32" prefix per EIP-191.
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(inner))
	return crypto.Keccak256([]byte(prefix), inner)
}

// Signer produces proof signatures. It backs the local oracle and tests.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewSigner wraps an existing private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signer key: %w", err)
	}
	return NewSigner(key), nil
}

// SignerFromHex loads a signer from a hex private key (0x prefix optional).
func SignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return NewSigner(key), nil
}

func (s *Signer) Address() common.Address { return s.addr }

// Sign signs the callback digest and returns a 0x-hex signature with
// V in {27, 28}.
func (s *Signer) Sign(requestID RequestID, handles []ciphertext.Handle, cleartexts []uint64) (string, error) {
	sig, err := crypto.Sign(Digest(requestID, handles, cleartexts), s.key)
	if err != nil {
		return "", fmt.Errorf("sign proof: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Verifier checks callback proofs against a set of trusted signer
// addresses. A proof is valid when at least threshold distinct trusted
// signers signed the digest.
type Verifier struct {
	signers   map[common.Address]struct{}
	threshold int
}

// NewVerifier creates a verifier. threshold < 1 is treated as 1.
func NewVerifier(signers []common.Address, threshold int) (*Verifier, error) {
	if len(signers) == 0 {
		return nil, errors.New("oracle: at least one trusted signer is required")
	}
	if threshold < 1 {
		threshold = 1
	}
	set := make(map[common.Address]struct{}, len(signers))
	for _, a := range signers {
		set[a] = struct{}{}
	}
	if threshold > len(set) {
		return nil, fmt.Errorf("oracle: threshold %d exceeds %d trusted signers", threshold, len(set))
	}
	return &Verifier{signers: set, threshold: threshold}, nil
}

// ParseSignerAddresses parses a comma-separated list of hex addresses.
func ParseSignerAddresses(csv string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("oracle: invalid signer address %q", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out, nil
}

// Threshold reports how many distinct signatures a proof needs.
func (v *Verifier) Threshold() int { return v.threshold }

// Verify returns nil if proof carries enough trusted signatures over the
// digest of requestID, handles and cleartexts. Every failure wraps
// ErrProofVerificationFailed.
func (v *Verifier) Verify(requestID RequestID, handles []ciphertext.Handle, cleartexts []uint64, proof Proof) error {
	if len(proof.Signatures) == 0 {
		return fmt.Errorf("%w: empty proof", ErrProofVerificationFailed)
	}
	digest := Digest(requestID, handles, cleartexts)

	seen := make(map[common.Address]struct{}, len(proof.Signatures))
	for _, sigHex := range proof.Signatures {
		addr, err := recoverSigner(digest, sigHex)
		if err != nil {
			continue
		}
		if _, trusted := v.signers[addr]; trusted {
			seen[addr] = struct{}{}
		}
	}
	if len(seen) < v.threshold {
		return fmt.Errorf("%w: %d of %d required trusted signatures",
			ErrProofVerificationFailed, len(seen), v.threshold)
	}
	return nil
}

func recoverSigner(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != signatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", signatureLength, len(sig))
	}
	// Ethereum signatures carry V = 27/28; SigToPub expects 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
