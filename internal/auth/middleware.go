package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyPrincipal is the gin context key holding the *Principal.
const ContextKeyPrincipal = "authPrincipal"

// Middleware resolves the API key from "Authorization: Bearer sk_..." or
// "X-API-Key" and, when valid, stores the principal in both the gin
// context and the request context. Invalid keys are not rejected here;
// RequireAuth and the ledger's policy decide.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			if p, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyPrincipal, p)
				c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), p))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireScope rejects requests whose principal lacks scope.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !p.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "API key lacks the '" + scope + "' scope.",
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
