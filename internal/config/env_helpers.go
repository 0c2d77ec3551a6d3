package config

import (
	"os"
	"strconv"
	"strings"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func stringFromEnv(key string) *string {
	if v := strings.TrimSpace(getenv(key, "")); v != "" {
		return &v
	}
	return nil
}

// intFromEnv ignores values that do not parse, leaving lower layers in charge.
func intFromEnv(key string) *int {
	if v := strings.TrimSpace(getenv(key, "")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return &n
		}
	}
	return nil
}

func toggleFromEnv(key string) *bool {
	v := strings.ToLower(strings.TrimSpace(getenv(key, "")))
	switch v {
	case "1", "true", "yes", "on":
		return Ptr(true)
	case "0", "false", "no", "off":
		return Ptr(false)
	}
	return nil
}

func splitAndTrim(input, sep string) []string {
	parts := strings.Split(input, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
