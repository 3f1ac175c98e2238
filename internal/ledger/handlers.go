package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/auth"
	"github.com/mbd888/infravault/internal/oracle"
	"github.com/mbd888/infravault/internal/records"
	"github.com/mbd888/infravault/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up ledger routes. Scope checks for mutations happen in
// the service's authorizer; the route group only needs authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware()

	r.POST("/networks", h.SubmitNetwork)
	r.GET("/networks", h.ListNetworks)
	r.GET("/networks/:id", ids, h.GetNetwork)
	r.GET("/networks/:id/status", ids, h.GetNetworkStatus)
	r.POST("/networks/:id/analysis", ids, h.RequestAnalysis)

	r.GET("/analyses/:id", ids, h.GetAnalysis)
	r.GET("/analyses/:id/result", ids, h.GetResult)
	r.POST("/analyses/:id/reveal", ids, h.RequestReveal)

	r.GET("/events", h.ListEvents)
}

// RegisterCallbackRoutes sets up the oracle callback endpoints.
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.POST("/oracle/callbacks/analysis", h.DeliverAnalysis)
	r.POST("/oracle/callbacks/reveal", h.DeliverReveal)
}

// SubmitNetworkRequest is the body of POST /v1/networks.
type SubmitNetworkRequest struct {
	DependencyMatrix string `json:"dependencyMatrix" binding:"required"`
	Capacity         string `json:"capacity" binding:"required"`
	Criticality      string `json:"criticality" binding:"required"`
	Sector           string `json:"sector" binding:"required"`
}

// CallbackRequest is the body the oracle posts to a callback endpoint.
type CallbackRequest struct {
	RequestID  string       `json:"requestId" binding:"required"`
	Cleartexts []uint64     `json:"cleartexts"`
	Proof      oracle.Proof `json:"proof"`
}

// SubmitNetwork handles POST /v1/networks
func (h *Handler) SubmitNetwork(c *gin.Context) {
	var req SubmitNetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	var in records.NetworkInput
	if errs := validation.Handles(
		validation.HandleField{Name: "dependencyMatrix", Raw: req.DependencyMatrix, Dst: &in.DependencyMatrix},
		validation.HandleField{Name: "capacity", Raw: req.Capacity, Dst: &in.Capacity},
		validation.HandleField{Name: "criticality", Raw: req.Criticality, Dst: &in.Criticality},
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_ciphertext",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	sector, err := records.ParseSector(req.Sector)
	if err != nil {
		h.writeError(c, err)
		return
	}
	in.Sector = sector

	rec, err := h.svc.SubmitNetwork(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"network": rec})
}

// ListNetworks handles GET /v1/networks?after=&limit=
func (h *Handler) ListNetworks(c *gin.Context) {
	q := validation.NewQuery(c.Request.URL.Query())
	after := q.Uint("after")
	limit := q.Limit("limit", 100, 500)
	if err := q.Err(); err != nil {
		writeQueryError(c, err)
		return
	}

	networks, err := h.svc.ListNetworks(c.Request.Context(), after, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := gin.H{"networks": networks, "count": len(networks)}
	if n := len(networks); n > 0 {
		resp["nextAfter"] = networks[n-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// GetNetwork handles GET /v1/networks/:id
func (h *Handler) GetNetwork(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	rec, err := h.svc.GetNetwork(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"network": rec})
}

// GetNetworkStatus handles GET /v1/networks/:id/status
func (h *Handler) GetNetworkStatus(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	st, err := h.svc.NetworkStatus(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

// RequestAnalysis handles POST /v1/networks/:id/analysis
func (h *Handler) RequestAnalysis(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	reqID, err := h.svc.RequestAnalysis(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requestId": reqID, "networkId": id})
}

// GetAnalysis handles GET /v1/analyses/:id
func (h *Handler) GetAnalysis(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	rec, err := h.svc.GetAnalysis(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": rec})
}

// GetResult handles GET /v1/analyses/:id/result
func (h *Handler) GetResult(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	res, err := h.svc.GetResult(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// RequestReveal handles POST /v1/analyses/:id/reveal
func (h *Handler) RequestReveal(c *gin.Context) {
	id, _ := validation.ParseID(c.Param("id"))
	reqID, err := h.svc.RequestReveal(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requestId": reqID, "analysisId": id})
}

// DeliverAnalysis handles POST /v1/oracle/callbacks/analysis
func (h *Handler) DeliverAnalysis(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid callback body",
		})
		return
	}
	rec, err := h.svc.DeliverAnalysis(c.Request.Context(), oracle.RequestID(req.RequestID), req.Cleartexts, req.Proof)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": rec})
}

// DeliverReveal handles POST /v1/oracle/callbacks/reveal
func (h *Handler) DeliverReveal(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid callback body",
		})
		return
	}
	res, err := h.svc.DeliverReveal(c.Request.Context(), oracle.RequestID(req.RequestID), req.Cleartexts, req.Proof)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// ListEvents handles GET /v1/events?type=&networkId=&analysisId=&since=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
	var f audit.Filter
	if t := c.Query("type"); t != "" {
		f.Type = audit.EventType(t)
		if !f.Type.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event_type",
				"message": "unknown event type " + strconv.Quote(t),
			})
			return
		}
	}
	q := validation.NewQuery(c.Request.URL.Query())
	f.NetworkID = q.Uint("networkId")
	f.AnalysisID = q.Uint("analysisId")
	f.AfterSeq = q.Seq("since")
	f.Limit = q.Limit("limit", 100, 1000)
	if err := q.Err(); err != nil {
		writeQueryError(c, err)
		return
	}

	events, err := h.svc.ListEvents(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// errorKind maps ledger errors to HTTP status and a stable error kind.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidCiphertext):
		return http.StatusBadRequest, "invalid_ciphertext"
	case errors.Is(err, ErrInvalidSector):
		return http.StatusBadRequest, "invalid_sector"
	case errors.Is(err, ErrMalformedCleartext):
		return http.StatusBadRequest, "malformed_cleartext"
	case errors.Is(err, ErrUnknownRequest):
		return http.StatusConflict, "unknown_request"
	case errors.Is(err, ErrAlreadyRevealed):
		return http.StatusConflict, "already_revealed"
	case errors.Is(err, ErrAlreadyAnalyzed):
		return http.StatusConflict, "already_analyzed"
	case errors.Is(err, ErrAnalysisPending):
		return http.StatusConflict, "analysis_pending"
	case errors.Is(err, ErrProofVerificationFailed):
		return http.StatusUnprocessableEntity, "proof_verification_failed"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, oracle.ErrUnavailable):
		return http.StatusServiceUnavailable, "oracle_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeQueryError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_query",
		"message": err.Error(),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, kind := errorKind(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		attrs := []any{"path", c.FullPath(), "error", err}
		if p, ok := auth.GetPrincipal(c); ok {
			attrs = append(attrs, "key_id", p.KeyID)
		}
		if errors.Is(err, ErrDuplicateRequestID) {
			h.logger.Error("duplicate oracle request id", attrs...)
		} else {
			h.logger.Error("ledger request failed", attrs...)
		}
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": kind, "message": msg})
}
