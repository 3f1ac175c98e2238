// Package policy decides whether the caller in a context may perform a
// ledger mutation. The ledger consults an Authorizer before every
// state-changing operation; which Authorizer is installed is a deployment
// decision.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/infravault/internal/auth"
)

// ErrUnauthorized is returned when an Authorizer denies an action.
var ErrUnauthorized = errors.New("policy: unauthorized")

// Action names a ledger mutation.
type Action string

const (
	ActionSubmitNetwork   Action = "network:submit"
	ActionRequestAnalysis Action = "analysis:request"
	ActionDeliverAnalysis Action = "analysis:deliver"
	ActionRequestReveal   Action = "reveal:request"
	ActionDeliverReveal   Action = "reveal:deliver"
)

// Authorizer decides whether the caller in ctx may perform action.
type Authorizer interface {
	Authorize(ctx context.Context, action Action) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, action Action) error

func (f AuthorizerFunc) Authorize(ctx context.Context, action Action) error { return f(ctx, action) }

// DenyAll rejects every action. It is the ledger's default so that a
// deployment which forgets to configure authorization fails closed.
var DenyAll Authorizer = AuthorizerFunc(func(_ context.Context, action Action) error {
	return fmt.Errorf("%w: %s denied by default policy", ErrUnauthorized, action)
})

// AllowAll permits every action. Development and tests only.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, Action) error { return nil })

// DefaultScopes maps each action to the API-key scope that grants it.
var DefaultScopes = map[Action]string{
	ActionSubmitNetwork:   auth.ScopeSubmit,
	ActionRequestAnalysis: auth.ScopeAnalyze,
	ActionDeliverAnalysis: auth.ScopeOracle,
	ActionRequestReveal:   auth.ScopeReveal,
	ActionDeliverReveal:   auth.ScopeOracle,
}

// ScopePolicy grants an action when the context principal holds the
// action's scope (or admin).
type ScopePolicy struct {
	scopes map[Action]string
}

// NewScopePolicy creates a scope policy. A nil map uses DefaultScopes.
func NewScopePolicy(scopes map[Action]string) *ScopePolicy {
	if scopes == nil {
		scopes = DefaultScopes
	}
	return &ScopePolicy{scopes: scopes}
}

func (p *ScopePolicy) Authorize(ctx context.Context, action Action) error {
	scope, ok := p.scopes[action]
	if !ok {
		return fmt.Errorf("%w: no scope grants %s", ErrUnauthorized, action)
	}
	principal, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return fmt.Errorf("%w: %s requires an authenticated caller", ErrUnauthorized, action)
	}
	if !principal.HasScope(scope) {
		return fmt.Errorf("%w: %s requires scope %q", ErrUnauthorized, action, scope)
	}
	return nil
}

// FromName builds the Authorizer named by configuration:
// "deny", "allow" or "scopes".
func FromName(name string) (Authorizer, error) {
	switch name {
	case "deny":
		return DenyAll, nil
	case "allow":
		return AllowAll, nil
	case "scopes", "":
		return NewScopePolicy(nil), nil
	default:
		return nil, fmt.Errorf("unknown authorization policy %q", name)
	}
}
