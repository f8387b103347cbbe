// Package httpmw holds gin middleware shared by the HTTP binaries.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

// userHeader mirrors the API layer's identity header. Webhook and health
// requests carry none.
const userHeader = "X-User-ID"

// RequestLogger logs one line per request after the handler completes.
// Server errors log at error level, client errors at warn, the rest at
// debug so webhook polling noise stays out of production logs.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := requestFields(c, serverName, time.Since(start))
		status := c.Writer.Status()
		switch {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}

func requestFields(c *gin.Context, serverName string, latency time.Duration) []zap.Field {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	size := c.Writer.Size()
	if size < 0 {
		size = 0
	}

	fields := []zap.Field{
		zap.String("server", serverName),
		zap.String("method", c.Request.Method),
		zap.String("path", path),
		zap.Int("status", c.Writer.Status()),
		zap.Int64("duration_ms", latency.Milliseconds()),
		zap.Int("bytes", size),
	}
	if userID := c.GetHeader(userHeader); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if len(c.Errors) > 0 {
		fields = append(fields, zap.String("errors", c.Errors.String()))
	}
	return fields
}
