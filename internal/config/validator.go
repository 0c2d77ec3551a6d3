package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the gateway cannot run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var problems []string
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("http_port %d out of range", cfg.Server.HTTPPort))
	}
	if cfg.Server.WSPort <= 0 || cfg.Server.WSPort > 65535 {
		problems = append(problems, fmt.Sprintf("ws_port %d out of range", cfg.Server.WSPort))
	}
	if cfg.Server.HTTPPort == cfg.Server.WSPort {
		problems = append(problems, "http_port and ws_port must differ")
	}
	switch cfg.Proxy.StreamingMode {
	case StreamingModeReal, StreamingModeFake:
	default:
		problems = append(problems, fmt.Sprintf("streaming_mode %q must be %q or %q", cfg.Proxy.StreamingMode, StreamingModeReal, StreamingModeFake))
	}
	if cfg.Proxy.FailureThreshold < 0 {
		problems = append(problems, "failure_threshold must be >= 0")
	}
	if cfg.Proxy.SwitchOnUses < 0 {
		problems = append(problems, "switch_on_uses must be >= 0")
	}
	if cfg.Proxy.MaxRetries < 1 {
		problems = append(problems, "max_retries must be >= 1")
	}
	if cfg.Proxy.RetryDelay < 0 {
		problems = append(problems, "retry_delay_ms must be >= 0")
	}
	if cfg.Proxy.ReplyTimeout <= 0 || cfg.Proxy.ChunkIdleTimeout <= 0 {
		problems = append(problems, "reply and chunk idle timeouts must be positive")
	}
	if cfg.Proxy.KeepAliveInterval <= 0 {
		problems = append(problems, "keep_alive_interval_ms must be positive")
	}
	if cfg.Proxy.GracePeriod <= 0 {
		problems = append(problems, "grace_period_ms must be positive")
	}
	switch cfg.Credentials.Source {
	case CredentialSourceFile, CredentialSourceEnv:
	case CredentialSourceRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			problems = append(problems, "redis_addr is required when credential_source is redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown credential_source %q", cfg.Credentials.Source))
	}
	if cfg.Credentials.InitialAuthIndex < 0 {
		problems = append(problems, "initial_auth_index must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
