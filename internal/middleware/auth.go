package middleware

import (
	"net/http"
	"strings"

	"aistudio2api-go/internal/config"
	"aistudio2api-go/internal/handlers/common"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// DashboardAuthHeader carries the dashboard credential.
const DashboardAuthHeader = "X-Dashboard-Auth"

// presentedKey returns the client's API key from, in order: x-goog-api-key,
// Authorization: Bearer, x-api-key, the key query parameter.
func presentedKey(c *gin.Context) string {
	if v := c.GetHeader("x-goog-api-key"); v != "" {
		return v
	}
	if auth := c.GetHeader("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if v := c.GetHeader("x-api-key"); v != "" {
		return v
	}
	return c.Query("key")
}

// APIKeyAuth guards the proxied API with the shared secrets returned by keys.
// keys is read per request so reloaded configuration applies at once. With
// no keys configured every request passes. The key query parameter is
// removed before the request continues so it never reaches the worker.
func APIKeyAuth(keys func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed := keys()
		if len(allowed) == 0 {
			stripKeyParam(c.Request)
			c.Next()
			return
		}
		provided := presentedKey(c)
		if provided != "" {
			for _, k := range allowed {
				if k == provided {
					c.Set("api_key", provided)
					stripKeyParam(c.Request)
					c.Next()
					return
				}
			}
		}
		log.WithFields(log.Fields{
			"ip":   c.ClientIP(),
			"path": c.Request.URL.Path,
		}).Warn("rejected request with missing or invalid API key")
		msg := "Invalid API key"
		if provided == "" {
			msg = "API key not provided"
		}
		common.AbortWithError(c, http.StatusUnauthorized, "authentication_error", msg)
	}
}

func stripKeyParam(r *http.Request) {
	q := r.URL.Query()
	if _, ok := q["key"]; !ok {
		return
	}
	q.Del("key")
	r.URL.RawQuery = q.Encode()
}

// DashboardAuth guards dashboard and control routes. The credential comes
// from the X-Dashboard-Auth header and is checked against the current config.
func DashboardAuth(settings func() *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.CheckDashboardKey(settings(), c.GetHeader(DashboardAuthHeader)) {
			c.Next()
			return
		}
		log.WithField("path", c.Request.URL.Path).Warn("dashboard access denied")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	}
}
