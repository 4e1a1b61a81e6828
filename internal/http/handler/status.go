// Package handler provides the operator-facing HTTP handlers.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/service"
	"go.uber.org/zap"
)

// StatusHandler serves the aggregate dashboard snapshot.
type StatusHandler struct {
	log *zap.Logger
	svc *service.StatusService
}

// NewStatusHandler constructs a StatusHandler instance.
func NewStatusHandler(log *zap.Logger, svc *service.StatusService) *StatusHandler {
	return &StatusHandler{log: log.Named("status"), svc: svc}
}

// Get handles GET /api/status.
//
// Status Codes:
//   - 200 OK → aggregate snapshot; X-Cache reports HIT/MISS
//   - 500 Internal Server Error
func (h *StatusHandler) Get(c *gin.Context) {
	res, err := h.svc.Get(c.Request.Context())
	if err != nil {
		h.log.Error("status snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status unavailable"})
		return
	}

	if res.CacheHit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	c.JSON(http.StatusOK, res.Data)
}
