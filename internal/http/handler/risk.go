package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/risk"
	"go.uber.org/zap"
)

// RiskHandler serves the cached per-site risk levels.
type RiskHandler struct {
	log    *zap.Logger
	poller *risk.Poller
}

// NewRiskHandler constructs a RiskHandler instance.
func NewRiskHandler(log *zap.Logger, p *risk.Poller) *RiskHandler {
	return &RiskHandler{log: log.Named("risk"), poller: p}
}

// Get handles GET /risk. Levels are the last fetched values; -1 means
// the upstream has not answered recently.
func (h *RiskHandler) Get(c *gin.Context) {
	out := gin.H{"levels": h.poller.Levels()}
	if err := h.poller.LastError(); err != nil {
		out["degraded"] = true
	}
	c.JSON(http.StatusOK, out)
}
