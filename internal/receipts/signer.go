package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Reveal receipts are long-lived evidence of a published result.
const signatureValidity = 365 * 24 * time.Hour

// Seal is what signing adds to a receipt.
type Seal struct {
	PayloadHash string
	Signature   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Signer MACs the JSON encoding of a receiptPayload. A nil *Signer means
// signing is disabled.
type Signer struct {
	key []byte
	now func() time.Time
}

func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{key: []byte(secret), now: time.Now}
}

func (s *Signer) Sign(p receiptPayload) (Seal, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Seal{}, err
	}
	sum := sha256.Sum256(data)
	issued := s.now().UTC().Truncate(time.Second)
	return Seal{
		PayloadHash: hex.EncodeToString(sum[:]),
		Signature:   s.macHex(data),
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(signatureValidity),
	}, nil
}

func (s *Signer) Verify(p receiptPayload, signature string) bool {
	if s == nil {
		return false
	}
	data, err := json.Marshal(p)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, s.key)
	m.Write(data)
	return hmac.Equal(got, m.Sum(nil))
}

func (s *Signer) macHex(data []byte) string {
	m := hmac.New(sha256.New, s.key)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}
