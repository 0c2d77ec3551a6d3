// Package management serves the dashboard API: status, runtime settings,
// temporary accounts and manual credential switching.
package management

import (
	"context"
	"net/http"
	"time"

	"aistudio2api-go/internal/bridge"
	"aistudio2api-go/internal/config"
	"aistudio2api-go/internal/credential"
	"aistudio2api-go/internal/proxy"
	"aistudio2api-go/internal/runtime"
	"aistudio2api-go/internal/stats"
	"aistudio2api-go/internal/version"

	"github.com/gin-gonic/gin"
)

// Controller is the slice of the orchestrator the dashboard drives.
type Controller interface {
	Status() proxy.Status
	SwitchNext(ctx context.Context) (from, to int, err error)
}

// Settings is the configuration stack as seen by the dashboard.
type Settings interface {
	Effective() *config.Config
	ApplyRuntime(patch config.Layer) (*config.Config, error)
}

// TaskLister exposes the background tasks for the status view.
type TaskLister interface {
	List() []runtime.TaskInfo
}

// Handler groups the dashboard endpoints.
type Handler struct {
	settings  Settings
	pool      *credential.Pool
	stats     *stats.UsageStats
	control   Controller
	registry  *bridge.Registry
	tasks     TaskLister
	startTime time.Time
}

func NewHandler(settings Settings, pool *credential.Pool, usage *stats.UsageStats, control Controller, registry *bridge.Registry) *Handler {
	return &Handler{
		settings:  settings,
		pool:      pool,
		stats:     usage,
		control:   control,
		registry:  registry,
		startTime: time.Now(),
	}
}

// SetTasks adds the background task list to the status view.
func (h *Handler) SetTasks(tasks TaskLister) {
	h.tasks = tasks
}

// RegisterRoutes mounts the authenticated dashboard API on grp.
func (h *Handler) RegisterRoutes(grp gin.IRoutes) {
	grp.GET("/data", h.GetData)
	grp.POST("/config", h.UpdateConfig)
	grp.POST("/accounts", h.AddAccount)
	grp.DELETE("/accounts/:index", h.RemoveAccount)
}

// VerifyKey lets the dashboard UI check a key before storing it. It is
// mounted outside the authenticated group.
func (h *Handler) VerifyKey(c *gin.Context) {
	var body struct {
		Key string `json:"key"`
	}
	_ = c.ShouldBindJSON(&body)
	if config.CheckDashboardKey(h.settings.Effective(), body.Key) {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid API key"})
}

// GetData returns the dashboard snapshot.
func (h *Handler) GetData(c *gin.Context) {
	cfg := h.settings.Effective()
	st := h.control.Status()

	apiKeyAuth := "disabled"
	if cfg.APIKeyAuthEnabled() {
		apiKeyAuth = "enabled"
	}
	var accounts []credential.AccountDetail
	authMode := ""
	if h.pool != nil {
		accounts = h.pool.AccountDetails()
		authMode = h.pool.Mode()
	}
	var usage stats.Snapshot
	if h.stats != nil {
		usage = h.stats.Snapshot()
	}

	status := gin.H{
		"uptime":          time.Since(h.startTime).Seconds(),
		"version":         version.Version,
		"streamingMode":   cfg.Proxy.StreamingMode,
		"debugMode":       cfg.Security.Debug,
		"authMode":        authMode,
		"apiKeyAuth":      apiKeyAuth,
		"isAuthSwitching": st.Switching,
		"circuitOpen":     st.CircuitOpen,
	}
	if h.registry != nil {
		status["workerConnected"] = h.registry.HasLiveConnection()
		status["bridgeState"] = h.registry.State().String()
		status["pendingRequests"] = h.registry.PendingCount()
	}
	if h.tasks != nil {
		status["tasks"] = h.tasks.List()
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"auth": gin.H{
			"currentAuthIndex":  st.CurrentIndex,
			"accounts":          accounts,
			"failureCount":      st.ConsecutiveFailures,
			"cycleStartIndex":   st.CycleStartIndex,
			"usageCount":        st.UsageCount,
			"rotationScheduled": st.RotationScheduled,
		},
		"stats":  usage,
		"config": cfg,
	})
}

// Switch rotates to the next credential on operator request. The reply is
// plain text. A client that hangs up does not abort the switch.
func (h *Handler) Switch(c *gin.Context) {
	from, to, err := h.control.SwitchNext(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		c.String(http.StatusInternalServerError, "credential switch failed: %v", err)
		return
	}
	c.String(http.StatusOK, "switched credential from index %d to %d", from, to)
}
