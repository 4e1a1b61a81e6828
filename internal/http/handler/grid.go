package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/grid"
	"github.com/safedeck/safedeck-server/pkg/jsonx"
	"go.uber.org/zap"
)

// GridHandler exposes paging controls for the player pool.
type GridHandler struct {
	log  *zap.Logger
	grid *grid.Grid
}

// NewGridHandler constructs a GridHandler instance.
func NewGridHandler(log *zap.Logger, g *grid.Grid) *GridHandler {
	return &GridHandler{log: log.Named("grid"), grid: g}
}

// Get handles GET /grid.
func (h *GridHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"page":       h.grid.Page(),
		"page_size":  h.grid.PageSize(),
		"page_count": h.grid.PageCount(),
	})
}

type gridPatch struct {
	Page     jsonx.Field[int] `json:"page"`
	PageSize jsonx.Field[int] `json:"page_size"`
}

// Patch handles PATCH /grid: partial update, only the keys present in
// the body change.
//
// Status Codes:
//   - 200 OK → the resulting paging state
//   - 400 Bad Request → malformed body, null value or out-of-range page
func (h *GridHandler) Patch(c *gin.Context) {
	var body gridPatch
	if err := jsonx.ParseStrictJSONBody(c.Request, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}

	if body.PageSize.IsSet() {
		if body.PageSize.IsNull() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page_size must not be null"})
			return
		}
		if err := h.grid.SetPageSize(*body.PageSize.Value()); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if body.Page.IsSet() {
		if body.Page.IsNull() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page must not be null"})
			return
		}
		if err := h.grid.SetPage(*body.Page.Value()); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	h.Get(c)
}
