package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, err := mgr.GenerateKey(context.Background(), "Grid-Operator", "ops", []string{ScopeSubmit, ScopeAnalyze}, 0)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rawKey, "sk_"))
	assert.Len(t, rawKey, 67)
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Equal(t, "grid-operator", key.Owner)
	assert.Equal(t, []string{ScopeSubmit, ScopeAnalyze}, key.Scopes)
	assert.Nil(t, key.ExpiresAt)
	assert.NotContains(t, key.Hash, rawKey)
}

func TestGenerateKey_RejectsBadScopes(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	_, _, err := mgr.GenerateKey(context.Background(), "x", "x", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidScope)
	_, _, err = mgr.GenerateKey(context.Background(), "x", "x", []string{"root"}, 0)
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestValidateKey(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	rawKey, key, err := mgr.GenerateKey(ctx, "relayer", "oracle relayer", []string{ScopeOracle}, 0)
	require.NoError(t, err)

	p, err := mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, key.ID, p.KeyID)
	assert.True(t, p.HasScope(ScopeOracle))
	assert.False(t, p.HasScope(ScopeSubmit))

	p, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	require.NoError(t, err)
	assert.Equal(t, "relayer", p.Owner)

	_, err = mgr.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = mgr.ValidateKey(ctx, "sk_nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = mgr.ValidateKey(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestValidateKey_Expired(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	rawKey, _, err := mgr.GenerateKey(ctx, "temp", "temp", []string{ScopeSubmit}, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRevokeKey(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	rawKey, key, err := mgr.GenerateKey(ctx, "a", "a", []string{ScopeReveal}, 0)
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID))
	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID), ErrKeyNotFound)
	assert.ErrorIs(t, mgr.RevokeKey(ctx, "ak_missing"), ErrKeyNotFound)
}

func TestBootstrapKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore()).WithBootstrapKey("bootstrap-secret")
	p, err := mgr.ValidateKey(context.Background(), "Bearer bootstrap-secret")
	require.NoError(t, err)
	assert.True(t, p.HasScope(ScopeAdmin))
	assert.True(t, p.HasScope(ScopeOracle), "admin implies every scope")

	_, err = mgr.ValidateKey(context.Background(), "bootstrap-wrong")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestListKeys(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	for _, owner := range []string{"a", "b", "c"} {
		_, _, err := mgr.GenerateKey(ctx, owner, owner, []string{ScopeSubmit}, 0)
		require.NoError(t, err)
	}
	keys, err := mgr.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), OraclePrincipal)
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.True(t, p.HasScope(ScopeOracle))

	var nilPrincipal *Principal
	assert.False(t, nilPrincipal.HasScope(ScopeSubmit))
}
