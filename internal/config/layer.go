package config

import "time"

// Layer is a partial configuration. A nil field leaves the value from lower
// layers untouched. The same shape backs the config file, the environment and
// runtime overrides sent through the dashboard.
type Layer struct {
	Host     *string `yaml:"host,omitempty" json:"host,omitempty"`
	HTTPPort *int    `yaml:"http_port,omitempty" json:"http_port,omitempty"`
	WSPort   *int    `yaml:"ws_port,omitempty" json:"ws_port,omitempty"`

	BridgeAllowIPs *[]string `yaml:"bridge_allow_ips,omitempty" json:"bridge_allow_ips,omitempty"`

	APIKeys          *[]string `yaml:"api_keys,omitempty" json:"api_keys,omitempty"`
	DashboardKeyHash *string   `yaml:"dashboard_key_hash,omitempty" json:"dashboard_key_hash,omitempty"`
	Debug            *bool     `yaml:"debug,omitempty" json:"debug,omitempty"`
	LogFile          *string   `yaml:"log_file,omitempty" json:"log_file,omitempty"`
	RequestLog       *bool     `yaml:"request_log,omitempty" json:"request_log,omitempty"`

	StreamingMode              *string `yaml:"streaming_mode,omitempty" json:"streaming_mode,omitempty"`
	FailureThreshold           *int    `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	SwitchOnUses               *int    `yaml:"switch_on_uses,omitempty" json:"switch_on_uses,omitempty"`
	MaxRetries                 *int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelayMS               *int    `yaml:"retry_delay_ms,omitempty" json:"retry_delay_ms,omitempty"`
	ImmediateSwitchStatusCodes *[]int  `yaml:"immediate_switch_status_codes,omitempty" json:"immediate_switch_status_codes,omitempty"`
	ReplyTimeoutSec            *int    `yaml:"reply_timeout_sec,omitempty" json:"reply_timeout_sec,omitempty"`
	ChunkIdleTimeoutSec        *int    `yaml:"chunk_idle_timeout_sec,omitempty" json:"chunk_idle_timeout_sec,omitempty"`
	KeepAliveIntervalMS        *int    `yaml:"keep_alive_interval_ms,omitempty" json:"keep_alive_interval_ms,omitempty"`
	GracePeriodMS              *int    `yaml:"grace_period_ms,omitempty" json:"grace_period_ms,omitempty"`

	CredentialSource *string `yaml:"credential_source,omitempty" json:"credential_source,omitempty"`
	AuthDir          *string `yaml:"auth_dir,omitempty" json:"auth_dir,omitempty"`
	InitialAuthIndex *int    `yaml:"initial_auth_index,omitempty" json:"initial_auth_index,omitempty"`

	RedisAddr     *string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword *string `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB       *int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	RedisPrefix   *string `yaml:"redis_prefix,omitempty" json:"redis_prefix,omitempty"`

	LauncherPath          *string `yaml:"launcher_path,omitempty" json:"launcher_path,omitempty"`
	BrowserExecutablePath *string `yaml:"browser_executable_path,omitempty" json:"browser_executable_path,omitempty"`
	ScriptPath            *string `yaml:"script_path,omitempty" json:"script_path,omitempty"`
	DriverReadyTimeoutSec *int    `yaml:"driver_ready_timeout_sec,omitempty" json:"driver_ready_timeout_sec,omitempty"`

	RateLimitEnabled *bool `yaml:"rate_limit_enabled,omitempty" json:"rate_limit_enabled,omitempty"`
	RateLimitRPS     *int  `yaml:"rate_limit_rps,omitempty" json:"rate_limit_rps,omitempty"`
	RateLimitBurst   *int  `yaml:"rate_limit_burst,omitempty" json:"rate_limit_burst,omitempty"`
}

// applyTo writes every set field of l into cfg.
func (l Layer) applyTo(cfg *Config) {
	setString(&cfg.Server.Host, l.Host)
	setInt(&cfg.Server.HTTPPort, l.HTTPPort)
	setInt(&cfg.Server.WSPort, l.WSPort)
	if l.BridgeAllowIPs != nil {
		cfg.Server.BridgeAllowIPs = normalizeKeys(*l.BridgeAllowIPs)
	}

	if l.APIKeys != nil {
		cfg.Security.APIKeys = normalizeKeys(*l.APIKeys)
	}
	setString(&cfg.Security.DashboardKeyHash, l.DashboardKeyHash)
	setBool(&cfg.Security.Debug, l.Debug)
	setString(&cfg.Security.LogFile, l.LogFile)
	setBool(&cfg.Security.RequestLog, l.RequestLog)

	setString(&cfg.Proxy.StreamingMode, l.StreamingMode)
	setInt(&cfg.Proxy.FailureThreshold, l.FailureThreshold)
	setInt(&cfg.Proxy.SwitchOnUses, l.SwitchOnUses)
	setInt(&cfg.Proxy.MaxRetries, l.MaxRetries)
	setDuration(&cfg.Proxy.RetryDelay, l.RetryDelayMS, time.Millisecond)
	if l.ImmediateSwitchStatusCodes != nil {
		cfg.Proxy.ImmediateSwitchStatusCodes = filterStatusCodes(*l.ImmediateSwitchStatusCodes)
	}
	setDuration(&cfg.Proxy.ReplyTimeout, l.ReplyTimeoutSec, time.Second)
	setDuration(&cfg.Proxy.ChunkIdleTimeout, l.ChunkIdleTimeoutSec, time.Second)
	setDuration(&cfg.Proxy.KeepAliveInterval, l.KeepAliveIntervalMS, time.Millisecond)
	setDuration(&cfg.Proxy.GracePeriod, l.GracePeriodMS, time.Millisecond)

	setString(&cfg.Credentials.Source, l.CredentialSource)
	setString(&cfg.Credentials.AuthDir, l.AuthDir)
	setInt(&cfg.Credentials.InitialAuthIndex, l.InitialAuthIndex)

	setString(&cfg.Redis.Addr, l.RedisAddr)
	setString(&cfg.Redis.Password, l.RedisPassword)
	setInt(&cfg.Redis.DB, l.RedisDB)
	setString(&cfg.Redis.Prefix, l.RedisPrefix)

	setString(&cfg.Driver.LauncherPath, l.LauncherPath)
	setString(&cfg.Driver.BrowserExecutablePath, l.BrowserExecutablePath)
	setString(&cfg.Driver.ScriptPath, l.ScriptPath)
	setDuration(&cfg.Driver.ReadyTimeout, l.DriverReadyTimeoutSec, time.Second)

	setBool(&cfg.RateLimit.Enabled, l.RateLimitEnabled)
	setInt(&cfg.RateLimit.RPS, l.RateLimitRPS)
	setInt(&cfg.RateLimit.Burst, l.RateLimitBurst)
}

// Overlay returns a copy of l with every set field of top replacing its value.
func (l Layer) Overlay(top Layer) Layer {
	out := l
	overlayField(&out.StreamingMode, top.StreamingMode)
	overlayField(&out.FailureThreshold, top.FailureThreshold)
	overlayField(&out.SwitchOnUses, top.SwitchOnUses)
	overlayField(&out.MaxRetries, top.MaxRetries)
	overlayField(&out.RetryDelayMS, top.RetryDelayMS)
	overlayField(&out.ImmediateSwitchStatusCodes, top.ImmediateSwitchStatusCodes)
	overlayField(&out.ReplyTimeoutSec, top.ReplyTimeoutSec)
	overlayField(&out.ChunkIdleTimeoutSec, top.ChunkIdleTimeoutSec)
	overlayField(&out.KeepAliveIntervalMS, top.KeepAliveIntervalMS)
	overlayField(&out.GracePeriodMS, top.GracePeriodMS)
	overlayField(&out.Debug, top.Debug)
	overlayField(&out.RequestLog, top.RequestLog)
	overlayField(&out.Host, top.Host)
	overlayField(&out.HTTPPort, top.HTTPPort)
	overlayField(&out.WSPort, top.WSPort)
	overlayField(&out.BridgeAllowIPs, top.BridgeAllowIPs)
	overlayField(&out.APIKeys, top.APIKeys)
	overlayField(&out.DashboardKeyHash, top.DashboardKeyHash)
	overlayField(&out.LogFile, top.LogFile)
	overlayField(&out.CredentialSource, top.CredentialSource)
	overlayField(&out.AuthDir, top.AuthDir)
	overlayField(&out.InitialAuthIndex, top.InitialAuthIndex)
	overlayField(&out.RedisAddr, top.RedisAddr)
	overlayField(&out.RedisPassword, top.RedisPassword)
	overlayField(&out.RedisDB, top.RedisDB)
	overlayField(&out.RedisPrefix, top.RedisPrefix)
	overlayField(&out.LauncherPath, top.LauncherPath)
	overlayField(&out.BrowserExecutablePath, top.BrowserExecutablePath)
	overlayField(&out.ScriptPath, top.ScriptPath)
	overlayField(&out.DriverReadyTimeoutSec, top.DriverReadyTimeoutSec)
	overlayField(&out.RateLimitEnabled, top.RateLimitEnabled)
	overlayField(&out.RateLimitRPS, top.RateLimitRPS)
	overlayField(&out.RateLimitBurst, top.RateLimitBurst)
	return out
}

func overlayField[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *int, unit time.Duration) {
	if v != nil {
		*dst = time.Duration(*v) * unit
	}
}

// filterStatusCodes keeps only HTTP error statuses.
func filterStatusCodes(codes []int) []int {
	out := make([]int, 0, len(codes))
	for _, c := range codes {
		if c >= 400 && c <= 599 {
			out = append(out, c)
		}
	}
	return out
}

// Ptr is a small helper for building layers in code.
func Ptr[T any](v T) *T { return &v }
