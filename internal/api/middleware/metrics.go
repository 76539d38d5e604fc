package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestRecorder receives one observation per handled request.
type RequestRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64)
}

// Metrics records request latency labelled by the matched route template.
func Metrics(rec RequestRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rec.RecordHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Seconds())
	}
}
