package middleware

import (
	"time"

	"aistudio2api-go/internal/logging"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestLogger logs HTTP requests
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		extras := log.Fields{
			"status":     status,
			"latency_ms": logging.DurationMS(latency),
			"user_agent": c.Request.UserAgent(),
			"method":     method,
			"path":       path,
		}
		if key, ok := c.Get("api_key"); ok {
			if s, _ := key.(string); s != "" {
				extras["api_key"] = MaskKey(s)
			}
		}
		entry := logging.WithReq(c, extras)
		switch {
		case status >= 500:
			entry.Warn("http_request")
		case path == "/health" || path == "/metrics":
			entry.Debug("http_request")
		default:
			entry.Info("http_request")
		}
	}
}

// MaskKey keeps only the last four characters of a secret.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
