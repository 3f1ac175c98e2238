package receipts

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/infravault/internal/validation"
)

// Handler serves receipt lookups and verification.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a receipt handler. A nil logger uses slog.Default.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the read-only receipt routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/receipts/:id", h.GetReceipt)
	r.GET("/analyses/:id/receipts", validation.IDParamMiddleware(), h.ListByAnalysis)
	r.POST("/receipts/verify", h.VerifyReceipt)
}

// GetReceipt handles GET /v1/receipts/:id
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// ListByAnalysis handles GET /v1/analyses/:id/receipts
func (h *Handler) ListByAnalysis(c *gin.Context) {
	analysisID, _ := validation.ParseID(c.Param("id"))
	list, err := h.service.ListByAnalysis(c.Request.Context(), analysisID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": list, "count": len(list)})
}

// VerifyReceipt handles POST /v1/receipts/verify. The body either names a
// stored receipt by id or presents a full copy to be checked against it.
func (h *Handler) VerifyReceipt(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.ReceiptID == "") == (req.Receipt == nil) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "provide exactly one of receiptId or receipt",
		})
		return
	}

	var (
		resp *VerifyResponse
		err  error
	)
	if req.Receipt != nil {
		resp, err = h.service.VerifyPresented(c.Request.Context(), req.Receipt)
	} else {
		resp, err = h.service.Verify(c.Request.Context(), req.ReceiptID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": resp})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrReceiptNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "receipt not found"})
		return
	}
	h.logger.Error("receipt request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
}
