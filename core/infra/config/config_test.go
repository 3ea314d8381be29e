package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{envPluginsRoot, envHTTPAddr, envRedisURL, envNATSURL, envNotifyUser} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.PluginsRoot != defaultPluginsRoot {
		t.Fatalf("expected default plugins root, got %q", cfg.PluginsRoot)
	}
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("expected default http addr")
	}
	if cfg.RedisURL != "" || cfg.NatsURL != "" {
		t.Fatalf("expected redis and nats disabled by default")
	}
	if cfg.NotifyUser != defaultNotifyUser {
		t.Fatalf("expected default notify user")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envPluginsRoot, "/srv/plugins")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envNotifyURL, "http://app:3000/chat")
	t.Setenv(envNotifyPassword, "s3cret")
	t.Setenv(envSkipMigration, "true")

	cfg := Load()
	if cfg.PluginsRoot != "/srv/plugins" {
		t.Fatalf("unexpected plugins root %q", cfg.PluginsRoot)
	}
	if cfg.RedisURL != "redis://example:6379" || cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected backends: %+v", cfg)
	}
	if cfg.NotifyURL != "http://app:3000/chat" || cfg.NotifyPassword != "s3cret" {
		t.Fatalf("unexpected notify settings")
	}
	if !cfg.SkipMigration {
		t.Fatalf("expected skip migration")
	}
}

func TestDefaultRuntime(t *testing.T) {
	cfg := DefaultRuntime()
	if cfg.Timeouts.Tool() != 30*time.Second || cfg.Timeouts.InitAsync() != 5*time.Minute {
		t.Fatalf("unexpected timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Timeouts.KillGrace() != 5*time.Second {
		t.Fatalf("unexpected kill grace")
	}
	env := cfg.Env.Environ()
	if len(env) != 3 || env[1] != "UV_CACHE_DIR=/tmp/uv-cache" || env[2] != "UV_PYTHON_INSTALL_DIR=/opt/uv/python" {
		t.Fatalf("unexpected child env: %v", env)
	}
	if cfg.Identity.MaxNameLength != 32 || cfg.Identity.Prefix != "plug_" {
		t.Fatalf("unexpected identity: %+v", cfg.Identity)
	}
}

func TestParseRuntimePartial(t *testing.T) {
	cfg, err := ParseRuntime([]byte("timeouts:\n  tool_seconds: 5\nidentity:\n  prefix: pl_\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Timeouts.Tool() != 5*time.Second {
		t.Fatalf("expected override, got %v", cfg.Timeouts.Tool())
	}
	if cfg.Timeouts.InitSync() != 30*time.Second {
		t.Fatalf("expected default init sync")
	}
	if cfg.Identity.Prefix != "pl_" || cfg.Identity.MaxNameLength != 32 {
		t.Fatalf("unexpected identity: %+v", cfg.Identity)
	}
	if cfg.InstructionsLimit != defaultInstructionsLimit {
		t.Fatalf("expected default instructions limit")
	}
}

func TestParseRuntimeInvalid(t *testing.T) {
	cfg, err := ParseRuntime([]byte("timeouts: ["))
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if cfg == nil || cfg.Timeouts.Tool() != 30*time.Second {
		t.Fatalf("expected defaults alongside error")
	}
}

func TestLoadRuntimeFile(t *testing.T) {
	if _, err := LoadRuntime(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	if err := os.WriteFile(path, []byte("env:\n  path: /bin\ninstructions_limit: 10\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadRuntime(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env.Path != "/bin" || cfg.InstructionsLimit != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
