package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/auth"
	"github.com/mbd888/infravault/internal/idgen"
)

// Handler serves /v1/webhooks. Every route is scoped to the owner of the
// calling API key; other owners' subscriptions read as not found.
type Handler struct {
	store       Store
	validateURL func(string) error
}

func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	h := &Handler{store: store}
	if dispatcher != nil {
		h.validateURL = dispatcher.ValidateURL
	}
	return h
}

// RegisterRoutes mounts the routes on a group that already requires auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.GET("/webhooks/:webhookId", h.GetWebhook)
	r.POST("/webhooks/:webhookId/enable", h.EnableWebhook)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest registers an endpoint. No events means all of them.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

func ownerOf(c *gin.Context) (string, bool) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		abort(c, http.StatusUnauthorized, "unauthorized", "API key required.")
		return "", false
	}
	return p.Owner, true
}

// owned loads the :webhookId subscription if the caller owns it.
func (h *Handler) owned(c *gin.Context) (*Subscription, bool) {
	owner, ok := ownerOf(c)
	if !ok {
		return nil, false
	}
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	switch {
	case errors.Is(err, ErrNotFound), err == nil && sub.Owner != owner:
		abort(c, http.StatusNotFound, "not_found", "Webhook not found")
		return nil, false
	case err != nil:
		abort(c, http.StatusInternalServerError, "lookup_failed", "Failed to load webhook")
		return nil, false
	}
	return sub, true
}

func parseEvents(names []string) ([]audit.EventType, string) {
	out := make([]audit.EventType, 0, len(names))
	for _, n := range names {
		et := audit.EventType(n)
		if !et.Valid() {
			return nil, n
		}
		out = append(out, et)
	}
	return out, ""
}

// CreateWebhook handles POST /v1/webhooks. The signing secret is returned
// in this response only.
func (h *Handler) CreateWebhook(c *gin.Context) {
	owner, ok := ownerOf(c)
	if !ok {
		return
	}
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if h.validateURL != nil {
		if err := h.validateURL(req.URL); err != nil {
			abort(c, http.StatusBadRequest, "invalid_url", err.Error())
			return
		}
	}
	events, bad := parseEvents(req.Events)
	if bad != "" {
		abort(c, http.StatusBadRequest, "invalid_event_type", "unknown event type: "+bad)
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Owner:     owner,
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		abort(c, http.StatusInternalServerError, "create_failed", "Failed to create webhook")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret,
		"usage": gin.H{
			"header":    SignatureHeader,
			"format":    "t=<unix seconds>,v1=<hex>",
			"signature": "v1 = hex(HMAC-SHA256(secret, t + \".\" + body)); reject stale t",
		},
	})
}

// ListWebhooks handles GET /v1/webhooks.
func (h *Handler) ListWebhooks(c *gin.Context) {
	owner, ok := ownerOf(c)
	if !ok {
		return
	}
	subs, err := h.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		abort(c, http.StatusInternalServerError, "list_failed", "Failed to list webhooks")
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// GetWebhook handles GET /v1/webhooks/:webhookId, including delivery state.
func (h *Handler) GetWebhook(c *gin.Context) {
	if sub, ok := h.owned(c); ok {
		c.JSON(http.StatusOK, gin.H{"webhook": sub})
	}
}

// EnableWebhook handles POST /v1/webhooks/:webhookId/enable, reactivating
// a subscription the dispatcher disabled and clearing its failure count.
func (h *Handler) EnableWebhook(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	sub.Active = true
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	if err := h.store.Update(c.Request.Context(), sub); err != nil {
		abort(c, http.StatusInternalServerError, "update_failed", "Failed to enable webhook")
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// DeleteWebhook handles DELETE /v1/webhooks/:webhookId.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil && !errors.Is(err, ErrNotFound) {
		abort(c, http.StatusInternalServerError, "delete_failed", "Failed to delete webhook")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "message": "Webhook deleted"})
}
