package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cordum/plugind/core/plugins/manifest"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const maxConfigBytes = 1 << 20

// readConfig loads config.json; a missing file is an empty config. The
// plugin owns its directory, so the file is never followed through a
// symlink and must be a regular file.
func readConfig(bundleDir string) (map[string]any, error) {
	path := filepath.Join(bundleDir, manifest.ConfigFileName)
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0) // #nosec G304 -- bundle dir from registry.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		if errors.Is(err, unix.ELOOP) {
			return nil, fmt.Errorf("%s is a symlink", manifest.ConfigFileName)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", manifest.ConfigFileName)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxConfigBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > maxConfigBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", manifest.ConfigFileName, maxConfigBytes)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil || cfg == nil {
		return nil, fmt.Errorf("existing %s is not a JSON object", manifest.ConfigFileName)
	}
	return cfg, nil
}

// writeConfig replaces config.json atomically.
func writeConfig(bundleDir string, cfg map[string]any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := filepath.Join(bundleDir, ".config-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- generated name inside bundle dir.
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(bundleDir, manifest.ConfigFileName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// mergeConfig overlays patch on base without mutating either.
func mergeConfig(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
