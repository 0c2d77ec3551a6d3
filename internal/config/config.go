package config

import "time"

// Streaming modes understood by the proxy.
const (
	StreamingModeReal = "real"
	StreamingModeFake = "fake"
)

// Credential source modes.
const (
	CredentialSourceFile  = "file"
	CredentialSourceEnv   = "env"
	CredentialSourceRedis = "redis"
)

// Config is the effective configuration produced by merging every layer of a
// Stack. Values are never mutated after construction; callers receive a fresh
// pointer whenever a layer changes.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Security    SecurityConfig    `json:"security"`
	Proxy       ProxyConfig       `json:"proxy"`
	Credentials CredentialsConfig `json:"credentials"`
	Redis       RedisConfig       `json:"redis"`
	Driver      DriverConfig      `json:"driver"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
}

// ServerConfig controls the public HTTP listener and the internal bridge listener.
type ServerConfig struct {
	Host             string        `json:"host"`
	HTTPPort         int           `json:"http_port"`
	WSPort           int           `json:"ws_port"`
	KeepAliveTimeout time.Duration `json:"keep_alive_timeout"`
	HeadersTimeout   time.Duration `json:"headers_timeout"`

	// BridgeAllowIPs restricts the worker listener to loopback plus these
	// addresses or CIDRs. Empty accepts any source.
	BridgeAllowIPs []string `json:"bridge_allow_ips,omitempty"`
}

type SecurityConfig struct {
	APIKeys          []string `json:"-"`
	DashboardKeyHash string   `json:"-"`
	Debug            bool     `json:"debug"`
	LogFile          string   `json:"log_file,omitempty"`
	RequestLog       bool     `json:"request_log"`
}

// ProxyConfig holds the knobs consumed by the request orchestrator. All of
// them may be overridden at runtime through the dashboard.
type ProxyConfig struct {
	StreamingMode              string        `json:"streaming_mode"`
	FailureThreshold           int           `json:"failure_threshold"`
	SwitchOnUses               int           `json:"switch_on_uses"`
	MaxRetries                 int           `json:"max_retries"`
	RetryDelay                 time.Duration `json:"retry_delay"`
	ImmediateSwitchStatusCodes []int         `json:"immediate_switch_status_codes"`
	ReplyTimeout               time.Duration `json:"reply_timeout"`
	ChunkIdleTimeout           time.Duration `json:"chunk_idle_timeout"`
	KeepAliveInterval          time.Duration `json:"keep_alive_interval"`
	GracePeriod                time.Duration `json:"grace_period"`
}

type CredentialsConfig struct {
	Source           string `json:"source"`
	AuthDir          string `json:"auth_dir"`
	InitialAuthIndex int    `json:"initial_auth_index,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// DriverConfig describes the external launcher that brings a worker session up
// for a credential.
type DriverConfig struct {
	LauncherPath          string        `json:"launcher_path,omitempty"`
	BrowserExecutablePath string        `json:"browser_executable_path,omitempty"`
	ScriptPath            string        `json:"script_path,omitempty"`
	ReadyTimeout          time.Duration `json:"ready_timeout"`
}

type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	RPS     int  `json:"rps"`
	Burst   int  `json:"burst"`
}

// IsImmediateSwitch reports whether status bypasses the failure counter.
func (p ProxyConfig) IsImmediateSwitch(status int) bool {
	for _, code := range p.ImmediateSwitchStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// APIKeyAuthEnabled reports whether callers must present a shared secret.
func (c *Config) APIKeyAuthEnabled() bool {
	return c != nil && len(c.Security.APIKeys) > 0
}

func (c *Config) clone() *Config {
	out := *c
	out.Security.APIKeys = append([]string(nil), c.Security.APIKeys...)
	out.Server.BridgeAllowIPs = append([]string(nil), c.Server.BridgeAllowIPs...)
	out.Proxy.ImmediateSwitchStatusCodes = append([]int(nil), c.Proxy.ImmediateSwitchStatusCodes...)
	return &out
}
