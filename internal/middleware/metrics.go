package middleware

import (
	"fmt"
	"time"

	"aistudio2api-go/internal/monitoring"

	"github.com/gin-gonic/gin"
)

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	if code >= 600 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}

// RouteLabelKey overrides the path label for handlers mounted without a
// route pattern, such as the catch-all proxy.
const RouteLabelKey = "route_label"

// Metrics is an HTTP middleware to track per-route counters and latency histogram.
// The label is the route pattern rather than the raw path.
func Metrics(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		monitoring.HTTPInFlight.Inc()
		c.Next()
		monitoring.HTTPInFlight.Dec()

		durSec := time.Since(start).Seconds()
		path := c.FullPath()
		if label := c.GetString(RouteLabelKey); label != "" {
			path = label
		}
		if path == "" {
			path = "unmatched"
		}
		sc := statusClass(c.Writer.Status())

		monitoring.HTTPRequestsTotal.WithLabelValues(server, c.Request.Method, path, sc).Inc()
		monitoring.HTTPRequestDuration.WithLabelValues(server, c.Request.Method, path, sc).Observe(durSec)
	}
}

// SetRateLimitKeyGauge sets the current per-key limiter count.
func SetRateLimitKeyGauge(n int) {
	monitoring.RateLimitKeysGauge.Set(float64(n))
}

// RecordRateLimitSweep increments the sweep counter for TTL cache.
func RecordRateLimitSweep() {
	monitoring.RateLimitSweepsTotal.Inc()
}
