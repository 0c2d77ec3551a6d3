// Package server assembles the public HTTP engine and the internal worker
// bridge engine.
package server

import (
	"aistudio2api-go/internal/bridge"
	"aistudio2api-go/internal/config"
	"aistudio2api-go/internal/credential"
	"aistudio2api-go/internal/handlers/management"
	mw "aistudio2api-go/internal/middleware"
	"aistudio2api-go/internal/proxy"
	"aistudio2api-go/internal/runtime"
	"aistudio2api-go/internal/stats"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Dependencies encapsulates runtime services required to build the HTTP engines.
type Dependencies struct {
	Settings     *config.Stack
	Pool         *credential.Pool
	Registry     *bridge.Registry
	Orchestrator *proxy.Orchestrator
	UsageStats   *stats.UsageStats
	// Tasks is optional; when set the dashboard lists background tasks.
	Tasks        *runtime.TaskManager
}

// BuildEngine constructs the public engine: health, metrics, the dashboard
// API and the catch-all proxy route.
func BuildEngine(deps Dependencies) *gin.Engine {
	cfg := deps.Settings.Effective()
	engine := gin.New()
	applyStandardEngineSettings(engine, cfg, "http")

	engine.Use(mw.CORS())
	if cfg.Security.RequestLog {
		engine.Use(mw.RequestLogger())
	}
	if cfg.RateLimit.Enabled {
		engine.Use(mw.RateLimiterAutoKey(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	engine.Use(mw.DebugDump(func() bool { return deps.Settings.Effective().Security.Debug }))

	registerHealthRoutes(engine)
	dashboard := management.NewHandler(deps.Settings, deps.Pool, deps.UsageStats, deps.Orchestrator, deps.Registry)
	if deps.Tasks != nil {
		dashboard.SetTasks(deps.Tasks)
	}
	registerDashboardRoutes(engine, deps, dashboard)
	registerProxyRoutes(engine, deps)

	log.WithFields(log.Fields{
		"request_log": cfg.Security.RequestLog,
		"rate_limit":  cfg.RateLimit.Enabled,
		"api_keys":    len(cfg.Security.APIKeys),
	}).Debug("http engine built")
	return engine
}

// BuildBridgeEngine constructs the engine behind the worker listener. Every
// path upgrades to the bridge WebSocket.
func BuildBridgeEngine(cfg *config.Config, reg *bridge.Registry) *gin.Engine {
	engine := gin.New()
	applyStandardEngineSettings(engine, cfg, "bridge")
	engine.NoRoute(bridgeGuard(cfg.Server.BridgeAllowIPs), bridge.Handler(reg))
	return engine
}
