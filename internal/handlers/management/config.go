package management

import (
	"net/http"
	"strconv"
	"strings"

	"aistudio2api-go/internal/config"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries   = 3
	defaultRetryDelayMS = 2000
)

// UpdateConfig applies dashboard edits as runtime overrides. Only the keys
// present in the body change; the file and environment layers are untouched
// and the overrides are lost on restart.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		respondError(c, http.StatusBadRequest, "invalid json")
		return
	}
	patch, err := layerFromUpdates(updates)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := h.settings.ApplyRuntime(patch)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	log.WithFields(log.Fields{
		"streaming_mode":    cfg.Proxy.StreamingMode,
		"failure_threshold": cfg.Proxy.FailureThreshold,
		"switch_on_uses":    cfg.Proxy.SwitchOnUses,
		"max_retries":       cfg.Proxy.MaxRetries,
		"retry_delay_ms":    cfg.Proxy.RetryDelay.Milliseconds(),
		"debug":             cfg.Security.Debug,
	}).Info("configuration updated from the dashboard")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "configuration updated until restart"})
}

type invalidField string

func (f invalidField) Error() string { return "invalid value for " + string(f) }

// layerFromUpdates converts the loosely typed dashboard body into a runtime
// layer. Numeric fields accept numbers or numeric strings.
func layerFromUpdates(updates map[string]any) (config.Layer, error) {
	var l config.Layer
	if v, ok := updates["streamingMode"]; ok {
		s, isString := v.(string)
		if !isString {
			return l, invalidField("streamingMode")
		}
		s = strings.ToLower(strings.TrimSpace(s))
		l.StreamingMode = &s
	}
	if v, ok := updates["debugMode"]; ok {
		b, valid := coerceBool(v)
		if !valid {
			return l, invalidField("debugMode")
		}
		l.Debug = &b
	}
	if v, ok := updates["failureThreshold"]; ok {
		n, valid := coerceInt(v)
		if !valid || n < 0 {
			n = 0
		}
		l.FailureThreshold = &n
	}
	if v, ok := updates["switchOnUses"]; ok {
		n, valid := coerceInt(v)
		if !valid || n < 0 {
			n = 0
		}
		l.SwitchOnUses = &n
	}
	if v, ok := updates["maxRetries"]; ok {
		n, valid := coerceInt(v)
		switch {
		case !valid || n < 0:
			n = defaultMaxRetries
		case n == 0:
			// one attempt is always made
			n = 1
		}
		l.MaxRetries = &n
	}
	if v, ok := updates["retryDelay"]; ok {
		n, valid := coerceInt(v)
		if !valid || n <= 0 {
			n = defaultRetryDelayMS
		}
		l.RetryDelayMS = &n
	}
	if v, ok := updates["immediateSwitchStatusCodes"]; ok {
		codes := coerceIntList(v)
		l.ImmediateSwitchStatusCodes = &codes
	}
	return l, nil
}

func coerceInt(val any) (int, bool) {
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func coerceBool(val any) (bool, bool) {
	switch v := val.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}

// coerceIntList accepts a JSON array or a comma separated string and drops
// entries that are not integers.
func coerceIntList(val any) []int {
	var items []any
	switch v := val.(type) {
	case []any:
		items = v
	case string:
		for _, part := range strings.Split(v, ",") {
			items = append(items, part)
		}
	}
	out := make([]int, 0, len(items))
	for _, it := range items {
		if n, ok := coerceInt(it); ok {
			out = append(out, n)
		}
	}
	return out
}

// respondError writes the dashboard's failure shape.
func respondError(c *gin.Context, status int, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "error"
	}
	c.JSON(status, gin.H{"success": false, "message": message})
}
