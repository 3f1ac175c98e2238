// Package oracle talks to the threshold decryption oracle.
//
// The ledger hands the oracle ciphertext handles and later receives a
// callback carrying the cleartexts plus a proof: ECDSA signatures by the
// oracle's signer keys over the request ID, the handles and the
// cleartexts. The ledger only ever trusts cleartexts whose proof verifies.
package oracle

import (
	"context"
	"errors"

	"github.com/mbd888/infravault/internal/ciphertext"
)

var (
	ErrProofVerificationFailed = errors.New("oracle: proof verification failed")
	ErrUnknownHandle           = errors.New("oracle: unknown ciphertext handle")
	ErrUnavailable             = errors.New("oracle: unavailable")
)

// RequestID is the oracle-assigned identifier correlating a request with
// its callback.
type RequestID string

// Route names the ledger callback a decryption result must be delivered to.
type Route string

const (
	RouteAnalysis Route = "analysis"
	RouteReveal   Route = "reveal"
)

func (r Route) Valid() bool {
	return r == RouteAnalysis || r == RouteReveal
}

// Request asks the oracle to decrypt handles and call back on Route.
type Request struct {
	Handles []ciphertext.Handle
	Route   Route
}

// Proof authenticates a callback. Each signature is a 65-byte
// [R || S || V] secp256k1 signature, 0x-hex encoded.
type Proof struct {
	Signatures []string `json:"signatures"`
}

// Callback is the oracle's answer to a Request.
type Callback struct {
	RequestID  RequestID `json:"requestId"`
	Route      Route     `json:"route"`
	Cleartexts []uint64  `json:"cleartexts"`
	Proof      Proof     `json:"proof"`
}

// Client submits decryption requests. RequestDecryption returns once the
// oracle has acknowledged the request; the result arrives later as a
// Callback.
type Client interface {
	RequestDecryption(ctx context.Context, req Request) (RequestID, error)
}

// Encryptor produces fresh ciphertext handles for values computed by the
// ledger (re-encryption of analysis scores).
type Encryptor interface {
	Encrypt(ctx context.Context, value uint64) (ciphertext.Handle, error)
}

// Deliverer receives callbacks; the ledger's callback handler implements it.
type Deliverer func(ctx context.Context, cb Callback) error
