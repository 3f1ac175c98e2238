// Package auth provides API-key authentication for infravault.
//
// Keys carry scopes naming the protocol roles a caller may play:
// submitting networks, requesting analyses, requesting reveals, delivering
// oracle callbacks, and administering keys. The authenticated Principal
// travels in the request context so the ledger's authorization policy can
// inspect it.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidScope  = errors.New("invalid scope")
)

// Scopes.
const (
	ScopeSubmit  = "submit"  // submit encrypted networks
	ScopeAnalyze = "analyze" // request analyses
	ScopeReveal  = "reveal"  // request reveals
	ScopeOracle  = "oracle"  // deliver oracle callbacks
	ScopeAdmin   = "admin"   // everything, plus key management
)

var knownScopes = []string{ScopeSubmit, ScopeAnalyze, ScopeReveal, ScopeOracle, ScopeAdmin}

// ValidateScopes rejects unknown or empty scope lists.
func ValidateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("%w: at least one scope required", ErrInvalidScope)
	}
	for _, s := range scopes {
		if !slices.Contains(knownScopes, s) {
			return fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}
	return nil
}

// APIKey is a stored key. The raw key is only shown once, at creation.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 of the raw key
	Owner     string     `json:"owner"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Principal is the authenticated caller.
type Principal struct {
	KeyID  string
	Owner  string
	Scopes []string
}

// HasScope reports whether p holds scope; admin holds every scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, ScopeAdmin)
}

// OraclePrincipal identifies in-process oracle deliveries.
var OraclePrincipal = &Principal{KeyID: "system:oracle", Owner: "oracle", Scopes: []string{ScopeOracle}}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	Get(ctx context.Context, id string) (*APIKey, error)
	List(ctx context.Context) ([]*APIKey, error)
	Revoke(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Manager issues and validates API keys.
type Manager struct {
	store     Store
	adminHash string
}

// NewManager creates an auth manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// WithBootstrapKey accepts rawKey as an admin key without storing it, so
// a fresh deployment can mint its first keys.
func (m *Manager) WithBootstrapKey(rawKey string) *Manager {
	if rawKey != "" {
		m.adminHash = hashKey(rawKey)
	}
	return m
}

// GenerateKey creates a key for owner. ttl <= 0 means no expiry.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, owner, name string, scopes []string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	if err := ValidateScopes(scopes); err != nil {
		return "", nil, err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "sk_" + hex.EncodeToString(b)

	now := time.Now()
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Owner:     strings.ToLower(owner),
		Name:      name,
		Scopes:    slices.Clone(scopes),
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a raw key ("sk_..." with or without "Bearer ") to
// its principal.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*Principal, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	hash := hashKey(rawKey)
	if m.adminHash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(m.adminHash)) == 1 {
		return &Principal{KeyID: "bootstrap", Owner: "admin", Scopes: []string{ScopeAdmin}}, nil
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used tracking is best effort.
	go func(id string) {
		_ = m.store.Touch(context.Background(), id, time.Now())
	}(key.ID)

	return &Principal{KeyID: key.ID, Owner: key.Owner, Scopes: slices.Clone(key.Scopes)}, nil
}

// ListKeys returns every stored key.
func (m *Manager) ListKeys(ctx context.Context) ([]*APIKey, error) {
	return m.store.List(ctx)
}

// RevokeKey revokes a key by ID.
func (m *Manager) RevokeKey(ctx context.Context, keyID string) error {
	return m.store.Revoke(ctx, keyID)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
