package server

import (
	"aistudio2api-go/internal/config"
	mw "aistudio2api-go/internal/middleware"

	"github.com/gin-gonic/gin"
)

// applyStandardEngineSettings applies the Gin settings and middlewares shared
// by the public and bridge engines. It also tags requests with a server_label
// for downstream logging/metrics.
func applyStandardEngineSettings(engine *gin.Engine, cfg *config.Config, serverLabel string) {
	if !cfg.Security.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	_ = engine.SetTrustedProxies([]string{})
	// Unknown paths belong to the worker; never rewrite them.
	engine.RedirectTrailingSlash = false

	engine.Use(mw.Recovery(), mw.RequestID(), mw.Metrics(serverLabel))
	engine.Use(func(c *gin.Context) {
		c.Set("server_label", serverLabel)
		c.Next()
	})
}
