package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/grid"
	"github.com/safedeck/safedeck-server/internal/risk"
	"github.com/safedeck/safedeck-server/pkg/jsonx"
	"go.uber.org/zap"
)

// VisibilityHandler lets the operator console report whether it is in
// the foreground. Backgrounded consoles keep their transports but
// stand down watchdogs and pause risk fetching; returning to the
// foreground health-checks every player.
type VisibilityHandler struct {
	log  *zap.Logger
	grid *grid.Grid
	risk *risk.Poller
}

// NewVisibilityHandler constructs a VisibilityHandler instance.
func NewVisibilityHandler(log *zap.Logger, g *grid.Grid, r *risk.Poller) *VisibilityHandler {
	return &VisibilityHandler{log: log.Named("visibility"), grid: g, risk: r}
}

type visibilityPost struct {
	Visible jsonx.Field[bool] `json:"visible"`
}

// Post handles POST /visibility.
func (h *VisibilityHandler) Post(c *gin.Context) {
	var body visibilityPost
	if err := jsonx.ParseStrictJSONBody(c.Request, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if !body.Visible.IsSet() || body.Visible.IsNull() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visible is required"})
		return
	}

	visible := *body.Visible.Value()
	if visible {
		h.grid.ResumeAll()
		if h.risk != nil {
			h.risk.Resume()
		}
	} else {
		h.grid.SuspendAll()
		if h.risk != nil {
			h.risk.Suspend()
		}
	}
	h.log.Info("visibility changed", zap.Bool("visible", visible))
	c.JSON(http.StatusOK, gin.H{"visible": visible})
}
