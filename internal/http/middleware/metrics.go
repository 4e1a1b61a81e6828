package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/metrics"
)

// Metrics counts each request by method and status class after the
// handler chain runs.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.IncRequest(c.Request.Method, fmt.Sprintf("%dxx", c.Writer.Status()/100))
	}
}
