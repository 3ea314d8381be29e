package config

import (
	"os"
	"strings"
)

const (
	defaultPluginsRoot = "/plugins"
	defaultHTTPAddr    = ":3004"
	defaultGRPCAddr    = ":3005"
	defaultMetricsAddr = ":9094"
	defaultNotifyUser  = "plugins"

	envPluginsRoot    = "PLUGINS_ROOT"
	envHTTPAddr       = "PLUGIND_HTTP_ADDR"
	envGRPCAddr       = "PLUGIND_GRPC_ADDR"
	envMetricsAddr    = "PLUGIND_METRICS_ADDR"
	envRedisURL       = "REDIS_URL"
	envNATSURL        = "NATS_URL"
	envNotifyURL      = "PLUGIND_NOTIFY_URL"
	envNotifyUser     = "PLUGIND_NOTIFY_USER"
	envNotifyPassword = "PLUGIND_NOTIFY_PASSWORD"
	envRuntimeConfig  = "PLUGIND_RUNTIME_CONFIG"
	envSkipMigration  = "PLUGIND_SKIP_MIGRATION"
)

// Config holds process-level settings for the plugin daemon.
type Config struct {
	PluginsRoot string
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	// RedisURL selects the Redis lock store; empty keeps locks in-process.
	RedisURL string
	// NatsURL enables event publishing on the bus when set.
	NatsURL string

	NotifyURL      string
	NotifyUser     string
	NotifyPassword string

	RuntimeConfigPath string
	SkipMigration     bool
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		PluginsRoot:       envOr(envPluginsRoot, defaultPluginsRoot),
		HTTPAddr:          envOr(envHTTPAddr, defaultHTTPAddr),
		GRPCAddr:          envOr(envGRPCAddr, defaultGRPCAddr),
		MetricsAddr:       envOr(envMetricsAddr, defaultMetricsAddr),
		RedisURL:          strings.TrimSpace(os.Getenv(envRedisURL)),
		NatsURL:           strings.TrimSpace(os.Getenv(envNATSURL)),
		NotifyURL:         strings.TrimSpace(os.Getenv(envNotifyURL)),
		NotifyUser:        envOr(envNotifyUser, defaultNotifyUser),
		NotifyPassword:    os.Getenv(envNotifyPassword),
		RuntimeConfigPath: strings.TrimSpace(os.Getenv(envRuntimeConfig)),
		SkipMigration:     os.Getenv(envSkipMigration) == "true",
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
