package payments

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nutripay/escrowsync/internal/chain"
	"github.com/nutripay/escrowsync/internal/escrow"
	"github.com/nutripay/escrowsync/internal/pagination"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new payments handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deliveries/:deliveryId/escrow", h.GetStatus)
	r.GET("/deliveries/:deliveryId/escrow/history", h.GetHistory)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/lock", h.Lock)
	r.POST("/deliveries/:deliveryId/escrow/release", h.Release)
	r.POST("/deliveries/:deliveryId/escrow/cancel", h.Cancel)
}

// Lock handles POST /v1/escrows/lock
func (h *Handler) Lock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	outcome, err := h.orchestrator.InitiateLock(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"escrow": outcome.Transaction,
		"txHash": outcome.TxHash,
	})
}

// Release handles POST /v1/deliveries/:deliveryId/escrow/release
func (h *Handler) Release(c *gin.Context) {
	outcome, err := h.orchestrator.InitiateRelease(c.Request.Context(), c.Param("deliveryId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"escrow": outcome.Transaction,
		"txHash": outcome.TxHash,
	})
}

// Cancel handles POST /v1/deliveries/:deliveryId/escrow/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A cancellation reason is required",
		})
		return
	}

	outcome, err := h.orchestrator.InitiateCancel(c.Request.Context(), c.Param("deliveryId"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"escrow": outcome.Transaction,
		"txHash": outcome.TxHash,
	})
}

// GetStatus handles GET /v1/deliveries/:deliveryId/escrow
func (h *Handler) GetStatus(c *gin.Context) {
	tx, err := h.orchestrator.Status(c.Request.Context(), c.Param("deliveryId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

// GetHistory handles GET /v1/deliveries/:deliveryId/escrow/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed pagination cursor",
		})
		return
	}

	rows, err := h.orchestrator.History(c.Request.Context(), c.Param("deliveryId"), cursor, limit+1)
	if err != nil {
		h.writeError(c, err)
		return
	}

	rows, next, hasMore := pagination.ComputePage(rows, limit, func(t *escrow.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})

	resp := gin.H{
		"escrows": rows,
		"count":   len(rows),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps orchestrator errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrDuplicateActiveEscrow):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_escrow",
			"message": "Delivery already has an active escrow",
		})
	case errors.Is(err, ErrNotLocked):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_locked",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow for this delivery",
		})
	case errors.Is(err, ErrSubmitRetryable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Ledger temporarily unavailable, retry later",
		})
	case chain.IsReverted(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "ledger_rejected",
			"message": "The ledger rejected the operation",
		})
	case chain.IsUnconfigured(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unconfigured",
			"message": "No signing identity configured",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
