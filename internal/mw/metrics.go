package mw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"presence-backplane/internal/metrics"
)

// Metrics records request count and latency per route.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		m.RequestCount.WithLabelValues(path, method, status).Inc()
		m.RequestDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
	}
}
