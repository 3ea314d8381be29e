// Package lifecycle installs, updates, removes and configures bundles. Each
// operation holds the bundle's exclusive lock for its whole duration.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cordum/plugind/core/infra/locks"
	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/infra/metrics"
	"github.com/cordum/plugind/core/plugins"
	"github.com/cordum/plugind/core/plugins/execution"
	"github.com/cordum/plugind/core/plugins/manifest"
	"github.com/cordum/plugind/core/plugins/principal"
	"github.com/cordum/plugind/core/plugins/registry"
	"github.com/google/uuid"
)

const (
	lockTTL        = 10 * time.Minute
	tempDirPrefix  = ".install-"
	defaultExcerpt = 4000
)

// Principals is the identity surface the lifecycle needs.
type Principals interface {
	Ensure(ctx context.Context, bundle string) (principal.Principal, principal.Outcome, error)
	Remove(ctx context.Context, bundle string) (principal.Outcome, error)
	Lookup(bundle string) (principal.Principal, error)
	Lockdown(dir string, p principal.Principal) error
}

// InitRunner runs a bundle's init script.
type InitRunner interface {
	Run(ctx context.Context, bundle, bundleDir string, hook *manifest.InitScript, p principal.Principal) (execution.InitOutcome, error)
}

// Config wires a Manager.
type Config struct {
	Root              string
	Fetcher           Fetcher
	Principals        Principals
	Init              InitRunner
	Locks             locks.Store
	Metrics           metrics.Metrics
	InstructionsLimit int
}

// Manager runs lifecycle transitions against the plugins root.
type Manager struct {
	root       string
	fetcher    Fetcher
	principals Principals
	inits      InitRunner
	locks      locks.Store
	metrics    metrics.Metrics
	excerpt    int
}

func New(cfg Config) *Manager {
	m := &Manager{
		root:       cfg.Root,
		fetcher:    cfg.Fetcher,
		principals: cfg.Principals,
		inits:      cfg.Init,
		locks:      cfg.Locks,
		metrics:    cfg.Metrics,
		excerpt:    cfg.InstructionsLimit,
	}
	if m.metrics == nil {
		m.metrics = metrics.Noop{}
	}
	if m.excerpt <= 0 {
		m.excerpt = defaultExcerpt
	}
	return m
}

// InstallResult is returned to the caller after a successful install.
type InstallResult struct {
	Name         string                          `json:"name"`
	Description  string                          `json:"description"`
	Config       map[string]manifest.ConfigField `json:"config,omitempty"`
	Instructions string                          `json:"instructions,omitempty"`
	InitOutput   string                          `json:"init_output,omitempty"`
	Message      string                          `json:"message"`
}

// UpdateResult is returned after a successful update.
type UpdateResult struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Instructions  string   `json:"instructions,omitempty"`
	MissingConfig []string `json:"missing_config,omitempty"`
	InitOutput    string   `json:"init_output,omitempty"`
	Message       string   `json:"message"`
}

// RemoveResult is returned after a successful removal.
type RemoveResult struct {
	Message string `json:"message"`
}

// ConfigureResult lists key names only, never values.
type ConfigureResult struct {
	Message  string   `json:"message"`
	Warnings []string `json:"warnings"`
}

func (m *Manager) lock(ctx context.Context, name string) (func(), error) {
	release, err := locks.Hold(ctx, m.locks, locks.BundleResource(name), locks.ModeExclusive, lockTTL)
	if err != nil {
		if errors.Is(err, locks.ErrHeld) {
			return nil, plugins.Errorf(plugins.KindBusy, "plugin %q is busy with another operation", name)
		}
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to acquire plugin lock")
	}
	return release, nil
}

func (m *Manager) resolve(name string) (*registry.Bundle, error) {
	snap, err := registry.Scan(m.root)
	if err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to scan plugins")
	}
	b, ok := snap.FindBundle(name)
	if !ok {
		return nil, plugins.Errorf(plugins.KindNotFound, "plugin %q not found", name)
	}
	return b, nil
}

func (m *Manager) record(op string, err error) {
	status := "ok"
	if err != nil {
		status = string(plugins.KindOf(err))
	}
	m.metrics.IncLifecycle(op, status)
}

// Install fetches url into a temporary directory beside the bundles, moves
// it into place and provisions its principal. Any failure after the move
// undoes the whole install.
func (m *Manager) Install(ctx context.Context, url string) (res *InstallResult, err error) {
	defer func() { m.record("install", err) }()
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, plugins.Errorf(plugins.KindInvalidRequestBody, "url is required")
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to prepare plugins directory")
	}

	tmp := filepath.Join(m.root, tempDirPrefix+uuid.NewString())
	defer func() {
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			logging.Error("lifecycle", "failed to clean temp dir", "dir", tmp, "err", rmErr)
		}
	}()

	logging.Info("lifecycle", "fetching plugin", "url", url)
	if err := m.fetcher.Clone(ctx, url, tmp); err != nil {
		logging.Error("lifecycle", "fetch failed", "url", url, "err", err)
		return nil, plugins.Wrap(plugins.KindSourceFetchError, err, "Failed to fetch plugin source: "+err.Error())
	}
	mf, ok := manifest.ParseBundle(filepath.Join(tmp, manifest.FileName))
	if !ok {
		return nil, plugins.Errorf(plugins.KindInvalidManifest,
			"repository has no valid %s: a bundle manifest needs string name and description and no entrypoint", manifest.FileName)
	}
	if !manifest.ValidName(mf.Name) {
		return nil, plugins.Errorf(plugins.KindInvalidName,
			"invalid plugin name %q: only lowercase letters, digits and hyphens are allowed", mf.Name)
	}

	release, err := m.lock(ctx, mf.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := registry.Scan(m.root)
	if err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to scan plugins")
	}
	dest := filepath.Join(m.root, mf.Name)
	if _, exists := snap.FindBundle(mf.Name); exists {
		return nil, plugins.Errorf(plugins.KindAlreadyInstalled, "plugin %q is already installed", mf.Name)
	}
	if _, statErr := os.Lstat(dest); !errors.Is(statErr, fs.ErrNotExist) {
		return nil, plugins.Errorf(plugins.KindAlreadyInstalled,
			"a directory named %q already exists in the plugins directory", mf.Name)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to move plugin into place")
	}

	rollback := func(reason string) {
		logging.Warn("lifecycle", "rolling back install", "plugin", mf.Name, "reason", reason)
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			logging.Error("lifecycle", "rollback: remove dir failed", "plugin", mf.Name, "err", rmErr)
		}
		if _, prErr := m.principals.Remove(context.WithoutCancel(ctx), mf.Name); prErr != nil {
			logging.Error("lifecycle", "rollback: remove principal failed", "plugin", mf.Name, "err", prErr)
		}
	}

	p, _, err := m.principals.Ensure(ctx, mf.Name)
	if err != nil {
		rollback("principal")
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to create OS identity for plugin")
	}
	if err := m.principals.Lockdown(dest, p); err != nil {
		rollback("lockdown")
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to secure plugin directory")
	}
	out, err := m.inits.Run(ctx, mf.Name, dest, mf.Init, p)
	if err != nil {
		rollback("init")
		return nil, err
	}

	if _, err := registry.Scan(m.root); err != nil {
		logging.Warn("lifecycle", "rescan after install failed", "err", err)
	}
	logging.Info("lifecycle", "plugin installed", "plugin", mf.Name, "uid", p.UID)

	res = &InstallResult{
		Name:         mf.Name,
		Description:  mf.Description,
		Config:       mf.Config,
		Instructions: mf.InstructionsExcerpt(m.excerpt),
		InitOutput:   out.Output,
	}
	msg := []string{fmt.Sprintf("Plugin %q installed successfully.", mf.Name)}
	if len(mf.MissingRequired(nil)) > 0 {
		msg = append(msg, "It requires configuration before use; see config.")
	}
	if out.Async {
		msg = append(msg, "Its init script is running in the background and will report when done.")
	}
	res.Message = strings.Join(msg, " ")
	return res, nil
}

// Update pulls the latest source into an installed bundle. An init failure
// resets the working copy to the revision it had before the update.
func (m *Manager) Update(ctx context.Context, name string) (res *UpdateResult, err error) {
	defer func() { m.record("update", err) }()
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, plugins.Errorf(plugins.KindInvalidRequestBody, "name is required")
	}
	release, err := m.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	p, err := m.principals.Lookup(name)
	if err != nil {
		return nil, err
	}

	prev, err := m.fetcher.Update(ctx, b.Dir, p)
	if err != nil {
		logging.Error("lifecycle", "update fetch failed", "plugin", name, "err", err)
		if lockErr := m.principals.Lockdown(b.Dir, p); lockErr != nil {
			logging.Error("lifecycle", "lockdown after failed fetch", "plugin", name, "err", lockErr)
		}
		return nil, plugins.Wrap(plugins.KindSourceFetchError, err, "Failed to update plugin source: "+err.Error())
	}
	if err := m.principals.Lockdown(b.Dir, p); err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to secure plugin directory")
	}

	revert := func(cause error) error {
		if prev == "" {
			return cause
		}
		if rvErr := m.fetcher.Revert(context.WithoutCancel(ctx), b.Dir, prev, p); rvErr != nil {
			logging.Error("lifecycle", "revert after failed update failed", "plugin", name, "rev", prev, "err", rvErr)
			return cause
		}
		if lockErr := m.principals.Lockdown(b.Dir, p); lockErr != nil {
			logging.Error("lifecycle", "lockdown after revert", "plugin", name, "err", lockErr)
		}
		logging.Warn("lifecycle", "update reverted", "plugin", name, "rev", prev)
		var pe *plugins.Error
		if errors.As(cause, &pe) {
			return &plugins.Error{Kind: pe.Kind, Err: pe, Msg: fmt.Sprintf("%s (plugin reverted to revision %s)", pe.Error(), short(prev))}
		}
		return cause
	}

	mf, ok := manifest.ParseBundle(filepath.Join(b.Dir, manifest.FileName))
	if !ok || mf.Name != name {
		return nil, revert(plugins.Errorf(plugins.KindInvalidManifest, "updated source no longer has a valid manifest for plugin %q", name))
	}
	out, err := m.inits.Run(ctx, name, b.Dir, mf.Init, p)
	if err != nil {
		return nil, revert(err)
	}

	if _, err := registry.Scan(m.root); err != nil {
		logging.Warn("lifecycle", "rescan after update failed", "err", err)
	}
	cfg, err := readConfig(b.Dir)
	if err != nil {
		logging.Warn("lifecycle", "cannot read config after update", "plugin", name, "err", err)
		cfg = map[string]any{}
	}
	missing := mf.MissingRequired(cfg)
	logging.Info("lifecycle", "plugin updated", "plugin", name, "from", short(prev))

	res = &UpdateResult{
		Name:          mf.Name,
		Description:   mf.Description,
		Instructions:  mf.InstructionsExcerpt(m.excerpt),
		MissingConfig: missing,
		InitOutput:    out.Output,
		Message:       fmt.Sprintf("Plugin %q updated successfully.", name),
	}
	if len(missing) > 0 {
		res.Message += " Missing required config: " + strings.Join(missing, ", ") + "."
	}
	if out.Async {
		res.Message += " Its init script is running in the background and will report when done."
	}
	return res, nil
}

// Remove deletes the bundle directory and then its principal.
func (m *Manager) Remove(ctx context.Context, name string) (res *RemoveResult, err error) {
	defer func() { m.record("remove", err) }()
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, plugins.Errorf(plugins.KindInvalidRequestBody, "name is required")
	}
	release, err := m.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(b.Dir); err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to delete plugin files")
	}
	if _, err := m.principals.Remove(ctx, name); err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "plugin files deleted but removing its OS identity failed")
	}
	logging.Info("lifecycle", "plugin removed", "plugin", name)
	return &RemoveResult{Message: fmt.Sprintf("Plugin %q removed.", name)}, nil
}

// Configure merges values into config.json. Unknown keys reject the whole
// call; missing required keys are only reported.
func (m *Manager) Configure(ctx context.Context, name string, values map[string]any) (res *ConfigureResult, err error) {
	defer func() { m.record("configure", err) }()
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, plugins.Errorf(plugins.KindInvalidRequestBody, "name is required")
	}
	if values == nil {
		return nil, plugins.Errorf(plugins.KindInvalidRequestBody, "config must be a JSON object")
	}
	release, err := m.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	mf := b.Manifest
	if !mf.Configurable() {
		return nil, plugins.Errorf(plugins.KindConfigNotSupported, "plugin %q does not accept configuration", name)
	}
	if unknown := mf.UnknownKeys(values); len(unknown) > 0 {
		return nil, plugins.Errorf(plugins.KindUnknownConfigKey,
			"unknown config keys for plugin %q: %s", name, strings.Join(unknown, ", "))
	}
	p, err := m.principals.Lookup(name)
	if err != nil {
		return nil, err
	}
	existing, err := readConfig(b.Dir)
	if err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, err.Error())
	}
	merged := mergeConfig(existing, values)
	if err := writeConfig(b.Dir, merged); err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to write plugin config")
	}
	if err := m.principals.Lockdown(b.Dir, p); err != nil {
		return nil, plugins.Wrap(plugins.KindInternal, err, "failed to secure plugin config")
	}

	res = &ConfigureResult{
		Message:  fmt.Sprintf("Configuration for plugin %q saved.", name),
		Warnings: []string{},
	}
	for _, key := range mf.MissingRequired(merged) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("missing required config key %q", key))
	}
	logging.Info("lifecycle", "plugin configured", "plugin", name, "keys", len(values), "missing", len(res.Warnings))
	return res, nil
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
