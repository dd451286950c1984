package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware records HTTP metrics for each request.
func Middleware(m *Metrics, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		m.RecordHTTPRequest(endpoint, c.Request.Method, status, duration)

		if len(c.Errors) > 0 {
			logger.Error("request error",
				zap.String("endpoint", endpoint),
				zap.String("error", c.Errors.String()))
		}
	}
}
