package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS provides Cross-Origin Resource Sharing support for the proxied API.
// Dashboard routes are same-origin and get no CORS headers.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/dashboard") || path == "/switch" {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		// wildcard origin never carries credentials
		h.Set("Access-Control-Allow-Credentials", "false")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, x-goog-api-key, x-api-key, x-goog-api-client")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
