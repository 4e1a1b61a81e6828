package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/alertcenter"
	"github.com/safedeck/safedeck-server/pkg/jsonx"
	"go.uber.org/zap"
)

// AlertsHandler exposes the alert lifecycle to operators.
//
// Supported operations:
//   - GET  /alerts         → active + pending view
//   - POST /alerts/ack     → acknowledge the active alert
//   - POST /alerts/mute    → mute the audio channel for a while
//   - POST /alerts/export  → hand-off text for the active alert
type AlertsHandler struct {
	log    *zap.Logger
	center *alertcenter.Center
	export *alertcenter.ExportChain
}

// NewAlertsHandler constructs an AlertsHandler instance.
func NewAlertsHandler(log *zap.Logger, center *alertcenter.Center, export *alertcenter.ExportChain) *AlertsHandler {
	return &AlertsHandler{log: log.Named("alerts"), center: center, export: export}
}

// Get handles GET /alerts.
func (h *AlertsHandler) Get(c *gin.Context) {
	out := gin.H{
		"pending": h.center.Pending(),
		"muted":   h.center.Muted(),
	}
	if cur, ok := h.center.Current(); ok {
		out["current"] = cur
	}
	c.JSON(http.StatusOK, out)
}

// Ack handles POST /alerts/ack.
//
// Status Codes:
//   - 200 OK → the acknowledged alert
//   - 409 Conflict → no active alert
func (h *AlertsHandler) Ack(c *gin.Context) {
	it, ok := h.center.Ack()
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "no active alert"})
		return
	}
	c.JSON(http.StatusOK, it)
}

type mutePatch struct {
	DurationMs jsonx.Field[int64] `json:"duration_ms"`
}

// Mute handles POST /alerts/mute. Audio only; visual notification and
// queue behaviour are unaffected. The mute lapses on its own after
// duration_ms; 0 lifts an active mute immediately.
func (h *AlertsHandler) Mute(c *gin.Context) {
	var body mutePatch
	if err := jsonx.ParseStrictJSONBody(c.Request, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if !body.DurationMs.IsSet() || body.DurationMs.IsNull() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_ms is required"})
		return
	}
	ms := *body.DurationMs.Value()
	if ms < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_ms must be >= 0"})
		return
	}

	h.center.Mute(time.Duration(ms) * time.Millisecond)
	out := gin.H{"muted": h.center.Muted()}
	if until := h.center.MutedUntil(); !until.IsZero() {
		out["muted_until"] = until
	}
	c.JSON(http.StatusOK, out)
}

// Export handles POST /alerts/export: renders the active alert's
// hand-off text and pushes it through the export chain. The text is
// returned even when every exporter fails, so the operator can still
// copy it by hand.
func (h *AlertsHandler) Export(c *gin.Context) {
	cur, ok := h.center.Current()
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "no active alert"})
		return
	}

	text, method, err := h.export.Export(c.Request.Context(), cur)
	out := gin.H{"text": text, "method": method}
	if err != nil {
		h.log.Warn("alert export degraded", zap.Error(err))
		out["error"] = err.Error()
	}
	c.JSON(http.StatusOK, out)
}
