package config

import "golang.org/x/crypto/bcrypt"

// CheckDashboardKey verifies a dashboard credential. Any configured API key is
// accepted, as is a key matching the bcrypt DashboardKeyHash. With neither
// configured the dashboard is open.
func CheckDashboardKey(cfg *Config, candidate string) bool {
	if cfg == nil {
		return false
	}
	if len(cfg.Security.APIKeys) == 0 && cfg.Security.DashboardKeyHash == "" {
		return true
	}
	if candidate == "" {
		return false
	}
	for _, k := range cfg.Security.APIKeys {
		if k == candidate {
			return true
		}
	}
	if cfg.Security.DashboardKeyHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(cfg.Security.DashboardKeyHash), []byte(candidate)); err == nil {
			return true
		}
	}
	return false
}
