// Package migrate rewrites bundles installed in the old single-tool layout,
// where the manifest at the bundle root carried an entrypoint, into the
// bundle-of-tools layout. Every step can be repeated after a crash; the root
// manifest is only replaced once the tool has been fully nested.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/plugins/manifest"
	"github.com/cordum/plugind/core/plugins/principal"
	"github.com/google/uuid"
)

// keepAtRoot names entries that stay at the bundle root while the rest of
// the legacy tree moves down a level. The git metadata must stay with the
// working copy root for updates to keep working.
var keepAtRoot = map[string]bool{
	manifest.FileName:       true,
	manifest.ConfigFileName: true,
	".git":                  true,
}

// Principals provisions identities for migrated bundles.
type Principals interface {
	Ensure(ctx context.Context, bundle string) (principal.Principal, principal.Outcome, error)
	Lockdown(dir string, p principal.Principal) error
}

// Migrator walks the plugins root once at startup.
type Migrator struct {
	root       string
	principals Principals
}

func New(root string, principals Principals) *Migrator {
	return &Migrator{root: root, principals: principals}
}

// Report lists what a Run did.
type Report struct {
	Migrated []string
	Failed   map[string]error
}

// Run migrates every legacy bundle under the root. A failure on one bundle
// is recorded and does not stop the others.
func (m *Migrator) Run(ctx context.Context) (Report, error) {
	report := Report{Failed: map[string]error{}}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}
		return report, fmt.Errorf("read plugins root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		dir := filepath.Join(m.root, entry.Name())
		name, migrated, err := Bundle(dir)
		if err != nil {
			logging.Error("migrate", "legacy bundle migration failed", "dir", entry.Name(), "err", err)
			report.Failed[entry.Name()] = err
			continue
		}
		if !migrated {
			continue
		}
		if name != entry.Name() {
			logging.Warn("migrate", "migrated bundle name differs from its directory", "dir", entry.Name(), "name", name)
		}
		if m.principals != nil {
			p, outcome, err := m.principals.Ensure(ctx, name)
			if err != nil {
				report.Failed[entry.Name()] = fmt.Errorf("ensure principal: %w", err)
				logging.Error("migrate", "principal provisioning failed", "bundle", name, "err", err)
				continue
			}
			if err := m.principals.Lockdown(dir, p); err != nil {
				report.Failed[entry.Name()] = fmt.Errorf("lockdown: %w", err)
				logging.Error("migrate", "lockdown failed", "bundle", name, "err", err)
				continue
			}
			logging.Info("migrate", "principal ready", "bundle", name, "outcome", outcome.String())
		}
		report.Migrated = append(report.Migrated, name)
		logging.Info("migrate", "legacy bundle migrated", "bundle", name)
	}
	return report, nil
}

// Bundle migrates a single directory. It returns the bundle name and whether
// anything changed. A directory whose root manifest is not a tool manifest
// is left alone.
func Bundle(dir string) (string, bool, error) {
	rootManifest := filepath.Join(dir, manifest.FileName)
	raw, err := os.ReadFile(rootManifest) // #nosec G304 -- dir is under the plugins root.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read manifest: %w", err)
	}
	tool, ok := manifest.DecodeTool(raw)
	if !ok {
		return "", false, nil
	}
	if !safeSegment(tool.Name) {
		return "", false, fmt.Errorf("legacy tool name %q is not a safe directory name", tool.Name)
	}

	toolDir := filepath.Join(dir, tool.Name)
	if err := os.Mkdir(toolDir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", false, fmt.Errorf("create tool dir: %w", err)
	}
	if info, err := os.Lstat(toolDir); err != nil || !info.IsDir() {
		return "", false, fmt.Errorf("%s exists and is not a directory", tool.Name)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false, fmt.Errorf("list bundle: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == tool.Name || keepAtRoot[entry.Name()] {
			continue
		}
		if err := os.Rename(filepath.Join(dir, entry.Name()), filepath.Join(toolDir, entry.Name())); err != nil {
			return "", false, fmt.Errorf("move %s: %w", entry.Name(), err)
		}
	}
	if err := writeFileAtomic(filepath.Join(toolDir, manifest.FileName), raw, 0o644); err != nil {
		return "", false, fmt.Errorf("copy tool manifest: %w", err)
	}

	bundle, err := json.MarshalIndent(map[string]string{
		"name":        tool.Name,
		"description": tool.Description,
	}, "", "  ")
	if err != nil {
		return "", false, err
	}
	if err := writeFileAtomic(rootManifest, append(bundle, '\n'), 0o644); err != nil {
		return "", false, fmt.Errorf("write bundle manifest: %w", err)
	}
	return tool.Name, true, nil
}

func safeSegment(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return false
	}
	if keepAtRoot[name] {
		return false
	}
	return filepath.IsLocal(name)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := filepath.Join(filepath.Dir(path), ".migrate-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
