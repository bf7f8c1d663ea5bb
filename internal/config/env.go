package config

import "strings"

const (
	EnvAdminToken = "CAMPUSNOTIFY_ADMIN_TOKEN"
	EnvBrokerURL  = "CAMPUSNOTIFY_BROKER_URL"
)

// ApplyEnv overlays secrets from the environment onto cfg. Values loaded
// from .env by the entry point are visible here through getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvAdminToken)); v != "" {
		cfg.HTTP.AdminToken = v
	}
	if v := strings.TrimSpace(getenv(EnvBrokerURL)); v != "" {
		cfg.Broker.URL = v
	}
}
