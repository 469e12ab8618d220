package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"steeple-sync/pkg/logger"
)

// LoggingMiddleware writes one structured entry per control-API
// request. The request context carries the request id, so it lands on
// the entry without being threaded through here.
func LoggingMiddleware(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		log := l
		if log == nil {
			log = logger.GetGlobalLogger()
		}
		if log == nil {
			return
		}

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if status >= http.StatusInternalServerError {
			log.ErrorCtx(c.Request.Context(), "control request failed", fields...)
			return
		}
		log.InfoCtx(c.Request.Context(), "control request", fields...)
	}
}
