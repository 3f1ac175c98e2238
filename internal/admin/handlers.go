package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/infravault/internal/tracker"
	"github.com/mbd888/infravault/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	pending    PendingStore
	expirer    tracker.Expirer
	reconciler Reconciler
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithPendingStore sets the tracker used to list and look up requests.
func (h *Handler) WithPendingStore(s PendingStore) *Handler {
	h.pending = s
	return h
}

// WithExpirer sets the service that retires requests. The ledger's
// ExpirePending audits each expiry.
func (h *Handler) WithExpirer(e tracker.Expirer) *Handler {
	h.expirer = e
	return h
}

// WithReconciler sets the reconciliation runner for on-demand runs.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes. The caller guards the group with
// the admin scope.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pending", h.listPending)
	r.POST("/pending/:requestId/expire", h.expirePending)
	r.GET("/reconcile", h.lastReconciliation)
	r.POST("/reconcile", h.triggerReconciliation)
}

// listPending returns pending requests older than ?olderThan= (default 0,
// meaning all), oldest first.
func (h *Handler) listPending(c *gin.Context) {
	if h.pending == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tracker not configured"})
		return
	}

	q := validation.NewQuery(c.Request.URL.Query())
	limit := q.Limit("limit", 100, 1000)
	olderThan := q.Duration("olderThan")
	if err := q.Err(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	now := h.now()
	before := now.Add(-olderThan)
	if olderThan == 0 {
		before = now.Add(time.Second)
	}
	entries, err := h.pending.ListOlderThan(c.Request.Context(), before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pending requests", "message": err.Error()})
		return
	}

	out := make([]StuckRequest, 0, len(entries))
	for _, p := range entries {
		out = append(out, StuckRequest{
			RequestID: p.RequestID,
			Kind:      p.Kind,
			TargetID:  p.TargetID,
			CreatedAt: p.CreatedAt,
			Age:       now.Sub(p.CreatedAt).Truncate(time.Second).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"requests": out, "count": len(out)})
}

// expirePending retires one pending request ahead of the janitor.
func (h *Handler) expirePending(c *gin.Context) {
	if h.pending == nil || h.expirer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tracker not configured"})
		return
	}

	requestID := c.Param("requestId")
	req, err := h.pending.Lookup(c.Request.Context(), requestID)
	if errors.Is(err, tracker.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no pending request " + strconv.Quote(requestID)})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up request", "message": err.Error()})
		return
	}

	if err := h.expirer.ExpirePending(c.Request.Context(), req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to expire request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": true, "requestId": requestID, "kind": req.Kind, "targetId": req.TargetID})
}

// triggerReconciliation runs an on-demand tracker/ledger reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	report := h.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
