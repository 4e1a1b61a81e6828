package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"github.com/safedeck/safedeck-server/internal/grid"
	"github.com/safedeck/safedeck-server/internal/repo"
	"github.com/safedeck/safedeck-server/pkg/hostutil"
	"github.com/safedeck/safedeck-server/pkg/jsonx"
	"go.uber.org/zap"
)

// StreamsHandler provides RESTful HTTP handlers for stream sources.
//
// Supported operations:
//   - GET    /streams            → List all stream records
//   - POST   /streams            → Create a stream record
//   - DELETE /streams/{id}       → Remove a stream record
//   - POST   /streams/{id}/retry → Restart a terminal player
type StreamsHandler struct {
	log  *zap.Logger
	repo *repo.StreamRepository
	grid *grid.Grid
}

// NewStreamsHandler constructs a StreamsHandler instance.
func NewStreamsHandler(log *zap.Logger, r *repo.StreamRepository, g *grid.Grid) *StreamsHandler {
	return &StreamsHandler{log: log.Named("streams"), repo: r, grid: g}
}

// List handles GET /streams. Adds `X-Total-Count` header.
func (h *StreamsHandler) List(c *gin.Context) {
	recs, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.log.Error("list streams failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(recs)))
	c.JSON(http.StatusOK, recs)
}

type streamCreate struct {
	URL      jsonx.Field[string] `json:"url"`
	Title    jsonx.Field[string] `json:"title"`
	SensorID jsonx.Field[string] `json:"sensor_id"`
}

// Create handles POST /streams.
//
// Status Codes:
//   - 201 Created → the stored record
//   - 400 Bad Request → malformed body or missing url
//   - 500 Internal Server Error
func (h *StreamsHandler) Create(c *gin.Context) {
	var body streamCreate
	if err := jsonx.ParseStrictJSONBody(c.Request, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if !body.URL.IsSet() || body.URL.IsNull() || strings.TrimSpace(*body.URL.Value()) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	rawURL := strings.TrimSpace(*body.URL.Value())
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must include a host"})
		return
	}
	if err := hostutil.ValidateHost(u.Hostname()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid url: %v", err)})
		return
	}

	ctx := c.Request.Context()
	id, err := h.repo.GenerateID(ctx)
	if err != nil {
		h.log.Error("generate id failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}

	rec := &repo.StreamRecord{
		ID:     id,
		Source: stream.Source{URL: rawURL},
	}
	if body.Title.IsSet() && !body.Title.IsNull() {
		rec.Source.Title = *body.Title.Value()
	}
	if body.SensorID.IsSet() && !body.SensorID.IsNull() {
		rec.SensorID = *body.SensorID.Value()
	}

	if err := h.repo.Set(ctx, rec); err != nil {
		h.log.Error("store stream failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}

	h.syncGrid(ctx)
	c.JSON(http.StatusCreated, rec)
}

// Delete handles DELETE /streams/{id}.
func (h *StreamsHandler) Delete(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repo.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
			return
		}
		h.log.Error("delete stream failed", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	h.syncGrid(ctx)
	c.Status(http.StatusNoContent)
}

// Retry handles POST /streams/{id}/retry: restarts a player that hit
// the terminal state. No-op for players in any other state.
func (h *StreamsHandler) Retry(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	rec, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
			return
		}
		h.log.Error("get stream failed", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry failed"})
		return
	}

	if !h.grid.Retry(rec.Source.URL) {
		c.JSON(http.StatusConflict, gin.H{"error": "stream is not on the active page"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *StreamsHandler) parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return 0, false
	}
	return id, true
}

func (h *StreamsHandler) syncGrid(ctx context.Context) {
	srcs, err := h.repo.Sources(ctx)
	if err != nil {
		h.log.Warn("grid sync failed", zap.Error(err))
		return
	}
	h.grid.SetSources(srcs)
}
