package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultToolSeconds      = 30
	defaultInitSyncSeconds  = 30
	defaultInitAsyncSeconds = 300
	defaultKillGraceSeconds = 5
	defaultFetchSeconds     = 120

	defaultSearchPath         = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	defaultUVCacheDir         = "/tmp/uv-cache"
	defaultUVPythonInstallDir = "/opt/uv/python"

	defaultIdentityPrefix    = "plug_"
	defaultMaxIdentityLength = 32
	defaultInstructionsLimit = 4000
)

// RuntimeTimeouts bounds every subprocess the daemon starts.
type RuntimeTimeouts struct {
	ToolSeconds      int64 `yaml:"tool_seconds"`
	InitSyncSeconds  int64 `yaml:"init_sync_seconds"`
	InitAsyncSeconds int64 `yaml:"init_async_seconds"`
	KillGraceSeconds int64 `yaml:"kill_grace_seconds"`
	FetchSeconds     int64 `yaml:"fetch_seconds"`
}

// ChildEnv is the complete environment handed to plugin processes.
type ChildEnv struct {
	Path               string `yaml:"path"`
	UVCacheDir         string `yaml:"uv_cache_dir"`
	UVPythonInstallDir string `yaml:"uv_python_install_dir"`
}

// Identity controls how bundle names map to OS account names.
type Identity struct {
	Prefix        string `yaml:"prefix"`
	MaxNameLength int    `yaml:"max_name_length"`
}

// RuntimeConfig is the optional YAML file named by PLUGIND_RUNTIME_CONFIG.
type RuntimeConfig struct {
	Timeouts          RuntimeTimeouts `yaml:"timeouts"`
	Env               ChildEnv        `yaml:"env"`
	Identity          Identity        `yaml:"identity"`
	InstructionsLimit int             `yaml:"instructions_limit"`
}

// LoadRuntime loads a YAML runtime file; returns defaults if path is empty.
func LoadRuntime(path string) (*RuntimeConfig, error) {
	if path == "" {
		return DefaultRuntime(), nil
	}
	// #nosec G304 -- runtime config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultRuntime(), fmt.Errorf("read runtime config: %w", err)
	}
	return ParseRuntime(data)
}

// ParseRuntime parses runtime config bytes and fills unset fields with defaults.
func ParseRuntime(data []byte) (*RuntimeConfig, error) {
	if len(data) == 0 {
		return DefaultRuntime(), nil
	}
	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultRuntime(), fmt.Errorf("parse runtime config: %w", err)
	}
	cfg.fillDefaults()
	return &cfg, nil
}

// DefaultRuntime returns the built-in runtime settings.
func DefaultRuntime() *RuntimeConfig {
	cfg := &RuntimeConfig{}
	cfg.fillDefaults()
	return cfg
}

func (c *RuntimeConfig) fillDefaults() {
	t := &c.Timeouts
	if t.ToolSeconds <= 0 {
		t.ToolSeconds = defaultToolSeconds
	}
	if t.InitSyncSeconds <= 0 {
		t.InitSyncSeconds = defaultInitSyncSeconds
	}
	if t.InitAsyncSeconds <= 0 {
		t.InitAsyncSeconds = defaultInitAsyncSeconds
	}
	if t.KillGraceSeconds <= 0 {
		t.KillGraceSeconds = defaultKillGraceSeconds
	}
	if t.FetchSeconds <= 0 {
		t.FetchSeconds = defaultFetchSeconds
	}
	if c.Env.Path == "" {
		c.Env.Path = defaultSearchPath
	}
	if c.Env.UVCacheDir == "" {
		c.Env.UVCacheDir = defaultUVCacheDir
	}
	if c.Env.UVPythonInstallDir == "" {
		c.Env.UVPythonInstallDir = defaultUVPythonInstallDir
	}
	if c.Identity.Prefix == "" {
		c.Identity.Prefix = defaultIdentityPrefix
	}
	if c.Identity.MaxNameLength <= 0 {
		c.Identity.MaxNameLength = defaultMaxIdentityLength
	}
	if c.InstructionsLimit <= 0 {
		c.InstructionsLimit = defaultInstructionsLimit
	}
}

// Environ renders the child environment as KEY=VALUE pairs.
func (e ChildEnv) Environ() []string {
	return []string{
		"PATH=" + e.Path,
		"UV_CACHE_DIR=" + e.UVCacheDir,
		"UV_PYTHON_INSTALL_DIR=" + e.UVPythonInstallDir,
	}
}

func (t RuntimeTimeouts) Tool() time.Duration      { return seconds(t.ToolSeconds) }
func (t RuntimeTimeouts) InitSync() time.Duration  { return seconds(t.InitSyncSeconds) }
func (t RuntimeTimeouts) InitAsync() time.Duration { return seconds(t.InitAsyncSeconds) }
func (t RuntimeTimeouts) KillGrace() time.Duration { return seconds(t.KillGraceSeconds) }
func (t RuntimeTimeouts) Fetch() time.Duration     { return seconds(t.FetchSeconds) }

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
