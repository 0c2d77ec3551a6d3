package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"aistudio2api-go/internal/handlers/common"
	"aistudio2api-go/internal/handlers/management"
	mw "aistudio2api-go/internal/middleware"
	"aistudio2api-go/internal/proxy"

	"github.com/gin-gonic/gin"
)

// maxRequestBody caps proxied request bodies.
const maxRequestBody = 100 << 20

func registerHealthRoutes(engine *gin.Engine) {
	started := time.Now()
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "uptime": time.Since(started).Seconds()})
	})
	engine.GET("/metrics", mw.MetricsHandler)
}

func registerDashboardRoutes(engine *gin.Engine, deps Dependencies, h *management.Handler) {
	auth := mw.DashboardAuth(deps.Settings.Effective)
	engine.POST("/dashboard/verify-key", h.VerifyKey)
	h.RegisterRoutes(engine.Group("/dashboard", auth))
	engine.POST("/switch", auth, h.Switch)
}

// registerProxyRoutes sends every unmatched request to the worker.
func registerProxyRoutes(engine *gin.Engine, deps Dependencies) {
	keys := func() []string { return deps.Settings.Effective().Security.APIKeys }
	engine.NoRoute(mw.APIKeyAuth(keys), proxyHandler(deps.Orchestrator))
}

func proxyHandler(orch *proxy.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(mw.RouteLabelKey, "proxy")
		path := c.Request.URL.Path
		if path == "/" || path == "/favicon.ico" || strings.HasPrefix(path, "/dashboard") {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				common.AbortWithError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
				return
			}
			common.AbortWithError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
			return
		}

		if err := orch.Dispatch(c.Request.Context(), c.Writer, proxy.RequestFromHTTP(c.Request, body)); err != nil {
			_ = c.Error(err)
		}
	}
}
