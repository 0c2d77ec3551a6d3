package config

import "time"

const (
	DefaultHTTPPort          = 8889
	DefaultWSPort            = 9998
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 2 * time.Second
	DefaultReplyTimeout      = 20 * time.Minute
	DefaultChunkIdleTimeout  = 30 * time.Second
	DefaultKeepAliveInterval = 2 * time.Second
	DefaultGracePeriod       = 5 * time.Second
	DefaultDriverReady       = 60 * time.Second
)

// Defaults returns the lowest configuration layer.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			HTTPPort:         DefaultHTTPPort,
			WSPort:           DefaultWSPort,
			KeepAliveTimeout: 30 * time.Second,
			HeadersTimeout:   35 * time.Second,
		},
		Security: SecurityConfig{
			APIKeys: []string{},
		},
		Proxy: ProxyConfig{
			StreamingMode:              StreamingModeReal,
			MaxRetries:                 DefaultMaxRetries,
			RetryDelay:                 DefaultRetryDelay,
			ImmediateSwitchStatusCodes: []int{},
			ReplyTimeout:               DefaultReplyTimeout,
			ChunkIdleTimeout:           DefaultChunkIdleTimeout,
			KeepAliveInterval:          DefaultKeepAliveInterval,
			GracePeriod:                DefaultGracePeriod,
		},
		Credentials: CredentialsConfig{
			Source:  CredentialSourceFile,
			AuthDir: "auth",
		},
		Redis: RedisConfig{
			Prefix: "aistudio2api:",
		},
		Driver: DriverConfig{
			ReadyTimeout: DefaultDriverReady,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
	}
}
