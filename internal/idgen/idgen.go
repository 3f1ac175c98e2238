// Package idgen provides random identifiers for events, receipts, keys and
// webhook subscriptions. Ledger record IDs are sequential and come from the
// record store instead.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a version 7 UUID, so event IDs sort by creation time. It
// falls back to a random UUID if the clock source fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix and 12 random bytes in hex, e.g. "wh_3f9a...".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns n random bytes hex encoded.
func Hex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
