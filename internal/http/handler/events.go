package handler

import (
	"io"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/events"
	"go.uber.org/zap"
)

// heartbeatInterval keeps intermediaries from reaping idle streams.
const heartbeatInterval = 15 * time.Second

// EventsHandler rebroadcasts runtime events over server-sent events.
type EventsHandler struct {
	log *zap.Logger
	bus *events.Bus
}

// NewEventsHandler constructs an EventsHandler instance.
func NewEventsHandler(log *zap.Logger, bus *events.Bus) *EventsHandler {
	return &EventsHandler{log: log.Named("events"), bus: bus}
}

// Stream handles GET /events. The connection stays open until the
// client goes away or the bus closes.
func (h *EventsHandler) Stream(c *gin.Context) {
	ch, cancel := h.bus.Subscribe(64)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false // bus closed
			}
			if err := sse.Encode(w, sse.Event{
				Id:    strconv.FormatUint(ev.ID, 10),
				Event: ev.Type,
				Data:  ev.Data,
			}); err != nil {
				return false
			}
			return true
		case <-heartbeat.C:
			if err := sse.Encode(w, sse.Event{Event: "heartbeat", Data: "ping"}); err != nil {
				return false
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
