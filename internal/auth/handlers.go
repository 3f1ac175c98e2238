package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes key management endpoints. All routes require the admin scope.
type Handler struct {
	manager *Manager
}

// NewHandler creates a key management handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the handler under r (expected: /v1/admin).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	keys := r.Group("/keys", RequireScope(ScopeAdmin))
	keys.POST("", h.CreateKey)
	keys.GET("", h.ListKeys)
	keys.DELETE("/:keyId", h.RevokeKey)
}

// CreateKeyRequest is the body of POST /v1/admin/keys.
type CreateKeyRequest struct {
	Owner      string   `json:"owner" binding:"required"`
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes" binding:"required"`
	TTLSeconds int64    `json:"ttlSeconds"`
}

// CreateKey issues a new key.
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Name == "" {
		req.Name = req.Owner
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Owner, req.Name, req.Scopes,
		time.Duration(req.TTLSeconds)*time.Second)
	if errors.Is(err, ErrInvalidScope) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns key metadata; hashes are never exposed.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey revokes a key. A caller cannot revoke the key it is using.
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if p, ok := GetPrincipal(c); ok && p.KeyID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}
