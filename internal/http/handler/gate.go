package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/gate"
	"github.com/safedeck/safedeck-server/pkg/jsonx"
	"go.uber.org/zap"
)

// GateHandler exposes the connection start gate for runtime tuning.
type GateHandler struct {
	log *zap.Logger
	g   *gate.Gate
}

// NewGateHandler constructs a GateHandler instance.
func NewGateHandler(log *zap.Logger, g *gate.Gate) *GateHandler {
	return &GateHandler{log: log.Named("gate"), g: g}
}

// Get handles GET /gate.
func (h *GateHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"limit":     h.g.Limit(),
		"in_flight": h.g.InFlight(),
		"waiting":   h.g.Waiting(),
	})
}

type gatePatch struct {
	Limit jsonx.Field[int] `json:"limit"`
}

// Patch handles PATCH /gate: adjusts the concurrent-connect limit.
// Raising it drains queued waiters immediately.
func (h *GateHandler) Patch(c *gin.Context) {
	var body gatePatch
	if err := jsonx.ParseStrictJSONBody(c.Request, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if !body.Limit.IsSet() || body.Limit.IsNull() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit is required"})
		return
	}

	limit := *body.Limit.Value()
	if limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be >= 1"})
		return
	}
	h.g.SetLimit(limit)
	h.log.Info("gate limit changed", zap.Int("limit", limit))
	h.Get(c)
}
