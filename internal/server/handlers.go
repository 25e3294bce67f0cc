package server

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/nutripay/escrowsync/internal/logging"
	"github.com/nutripay/escrowsync/internal/validation"
)

// HealthResponse is the aggregate health report.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// replayHandler handles POST /v1/admin/replay
func (s *Server) replayHandler(c *gin.Context) {
	var req struct {
		FromBlock uint64 `json:"fromBlock" binding:"required"`
		ToBlock   uint64 `json:"toBlock" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.FromBlock > req.ToBlock {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "fromBlock and toBlock must form a valid range",
		})
		return
	}

	logging.L(c.Request.Context()).Info("replay requested",
		"from", req.FromBlock, "to", req.ToBlock)

	result, err := s.reconciler.Replay(c.Request.Context(), req.FromBlock, req.ToBlock)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "replay_failed",
			"message": err.Error(),
			"partial": result,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replay": result})
}

// verifyHandler handles GET /v1/admin/escrows/:escrowId/verify
func (s *Server) verifyHandler(c *gin.Context) {
	raw := c.Param("escrowId")
	if len(raw) != 66 || raw[:2] != "0x" || !validation.IsValidHex(raw) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId must be a 0x-prefixed 32-byte hash",
		})
		return
	}

	result, err := s.reconciler.Verify(c.Request.Context(), common.HexToHash(raw))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "verify_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": result})
}

// pruneHandler handles POST /v1/admin/events/prune
func (s *Server) pruneHandler(c *gin.Context) {
	var req struct {
		BeforeBlock uint64 `json:"beforeBlock" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "beforeBlock is required",
		})
		return
	}

	// Never prune above the watermark: those deliveries can still recur.
	if wm := s.listener.Watermark(); req.BeforeBlock > wm {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "beforeBlock must not exceed the listener watermark",
		})
		return
	}

	pruned, err := s.dedup.PruneBefore(c.Request.Context(), req.BeforeBlock)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "prune_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": pruned})
}
