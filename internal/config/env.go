package config

import "strconv"

// EnvLayer reads the environment overrides. Unset or unparsable variables
// leave the field nil.
func EnvLayer() Layer {
	var l Layer
	l.HTTPPort = intFromEnv("PORT")
	l.Host = stringFromEnv("HOST")
	l.WSPort = intFromEnv("WS_PORT")
	if raw := getenv("BRIDGE_ALLOW_IPS", ""); raw != "" {
		nets := splitAndTrim(raw, ",")
		l.BridgeAllowIPs = &nets
	}

	if raw := getenv("API_KEYS", ""); raw != "" {
		keys := splitAndTrim(raw, ",")
		l.APIKeys = &keys
	}
	l.DashboardKeyHash = stringFromEnv("DASHBOARD_KEY_HASH")
	l.Debug = toggleFromEnv("DEBUG_MODE")
	l.LogFile = stringFromEnv("LOG_FILE")
	l.RequestLog = toggleFromEnv("REQUEST_LOG")

	l.StreamingMode = stringFromEnv("STREAMING_MODE")
	l.FailureThreshold = intFromEnv("FAILURE_THRESHOLD")
	l.SwitchOnUses = intFromEnv("SWITCH_ON_USES")
	l.MaxRetries = intFromEnv("MAX_RETRIES")
	l.RetryDelayMS = intFromEnv("RETRY_DELAY")
	if raw := getenv("IMMEDIATE_SWITCH_STATUS_CODES", ""); raw != "" {
		codes := make([]int, 0)
		for _, part := range splitAndTrim(raw, ",") {
			if n, err := strconv.Atoi(part); err == nil {
				codes = append(codes, n)
			}
		}
		l.ImmediateSwitchStatusCodes = &codes
	}

	l.CredentialSource = stringFromEnv("CREDENTIAL_SOURCE")
	l.AuthDir = stringFromEnv("AUTH_DIR")
	if idx := intFromEnv("INITIAL_AUTH_INDEX"); idx != nil && *idx > 0 {
		l.InitialAuthIndex = idx
	}

	l.RedisAddr = stringFromEnv("REDIS_ADDR")
	l.RedisPassword = stringFromEnv("REDIS_PASSWORD")
	l.RedisDB = intFromEnv("REDIS_DB")
	l.RedisPrefix = stringFromEnv("REDIS_PREFIX")

	l.LauncherPath = stringFromEnv("LAUNCHER_PATH")
	l.BrowserExecutablePath = stringFromEnv("CAMOUFOX_EXECUTABLE_PATH")
	l.ScriptPath = stringFromEnv("WORKER_SCRIPT_PATH")

	l.RateLimitEnabled = toggleFromEnv("RATE_LIMIT_ENABLED")
	l.RateLimitRPS = intFromEnv("RATE_LIMIT_RPS")
	l.RateLimitBurst = intFromEnv("RATE_LIMIT_BURST")
	return l
}
