// Package ciphertext defines the opaque handles that reference FHE
// ciphertexts held by the decryption oracle. The ledger never inspects
// ciphertext contents; it only stores, compares and forwards handles.
package ciphertext

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HandleLength is the size of a handle in bytes.
const HandleLength = common.HashLength

// ErrInvalid is returned for handles that are malformed or uninitialized.
var ErrInvalid = errors.New("ciphertext: invalid handle")

// Handle is a 32-byte ciphertext reference, rendered as 0x-prefixed hex.
type Handle common.Hash

// Parse decodes a 0x-prefixed 64-hex-char handle. The all-zero handle is
// treated as an uninitialized ciphertext and rejected.
func Parse(s string) (Handle, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(b) != HandleLength {
		return Handle{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalid, HandleLength, len(b))
	}
	h := Handle(common.BytesToHash(b))
	if h.IsZero() {
		return Handle{}, fmt.Errorf("%w: zero handle", ErrInvalid)
	}
	return h, nil
}

// MustParse is Parse for constants in tests and fixtures.
func MustParse(s string) Handle {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// FromBytes builds a handle from raw bytes, left-padding short input.
func FromBytes(b []byte) Handle {
	return Handle(common.BytesToHash(b))
}

// Validate reports whether h can be accepted by the ledger.
func (h Handle) Validate() error {
	if h.IsZero() {
		return fmt.Errorf("%w: zero handle", ErrInvalid)
	}
	return nil
}

func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) Bytes() []byte { return common.Hash(h).Bytes() }

func (h Handle) String() string { return common.Hash(h).Hex() }

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Zero handles decode
// successfully here so that Validate can report them with context.
func (h *Handle) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(b) != HandleLength {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrInvalid, HandleLength, len(b))
	}
	*h = Handle(common.BytesToHash(b))
	return nil
}

// ValidateAll returns the first invalid handle error, naming the field.
func ValidateAll(named map[string]Handle) error {
	for name, h := range named {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
