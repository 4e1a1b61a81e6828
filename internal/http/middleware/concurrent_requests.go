package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LimitConcurrentRequests caps how many requests run through the
// wrapped routes at once; excess requests get 429 immediately rather
// than queueing. Used on endpoints whose handlers walk wide shared
// state, where a burst of pollers would serialize on the locks.
func LimitConcurrentRequests(max int) gin.HandlerFunc {
	slots := make(chan struct{}, max)

	return func(c *gin.Context) {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many concurrent requests",
			})
		}
	}
}
