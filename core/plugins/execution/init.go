package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/infra/metrics"
	"github.com/cordum/plugind/core/plugins"
	"github.com/cordum/plugind/core/plugins/manifest"
	"github.com/cordum/plugind/core/plugins/notify"
	"github.com/cordum/plugind/core/plugins/principal"
)

const (
	defaultInitSyncTimeout  = 30 * time.Second
	defaultInitAsyncTimeout = 5 * time.Minute
)

// InitOutcome reports what happened to a bundle's init script.
type InitOutcome struct {
	Ran    bool
	Async  bool
	Output string
}

// InitRunner runs bundle init scripts. Async scripts report through the
// notifier once they finish.
type InitRunner struct {
	spawner      *Spawner
	syncTimeout  time.Duration
	asyncTimeout time.Duration
	notifier     notify.Notifier
	metrics      metrics.Metrics
	wg           sync.WaitGroup
}

// InitConfig wires an InitRunner.
type InitConfig struct {
	Spawner      *Spawner
	SyncTimeout  time.Duration
	AsyncTimeout time.Duration
	Notifier     notify.Notifier
	Metrics      metrics.Metrics
}

func NewInitRunner(cfg InitConfig) *InitRunner {
	r := &InitRunner{
		spawner:      cfg.Spawner,
		syncTimeout:  cfg.SyncTimeout,
		asyncTimeout: cfg.AsyncTimeout,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
	}
	if r.spawner == nil {
		r.spawner = NewSpawner(nil, 0)
	}
	if r.syncTimeout <= 0 {
		r.syncTimeout = defaultInitSyncTimeout
	}
	if r.asyncTimeout <= 0 {
		r.asyncTimeout = defaultInitAsyncTimeout
	}
	if r.metrics == nil {
		r.metrics = metrics.Noop{}
	}
	return r
}

// Resolve returns the init script path when the manifest declares one that
// exists and is executable at the bundle root.
func Resolve(bundleDir string, hook *manifest.InitScript) (string, bool) {
	if hook == nil || hook.Entrypoint == "" {
		return "", false
	}
	if !filepath.IsLocal(hook.Entrypoint) {
		logging.Warn("execution", "ignoring init entrypoint outside the bundle", "dir", bundleDir, "entrypoint", hook.Entrypoint)
		return "", false
	}
	path := filepath.Join(bundleDir, hook.Entrypoint)
	if !Executable(path) {
		logging.Info("execution", "declared init script not found or not executable", "path", path)
		return "", false
	}
	return path, true
}

// Run executes the bundle's init script. Sync failures come back as an
// InitFailed error; async scripts return immediately.
func (r *InitRunner) Run(ctx context.Context, bundle, bundleDir string, hook *manifest.InitScript, p principal.Principal) (InitOutcome, error) {
	path, ok := Resolve(bundleDir, hook)
	if !ok {
		return InitOutcome{}, nil
	}
	req := Request{Path: path, Dir: bundleDir, Principal: p}
	if hook.Async {
		req.Timeout = r.asyncTimeout
		r.wg.Add(1)
		go r.runAsync(bundle, req)
		logging.Info("execution", "init script started in background", "bundle", bundle, "timeout", r.asyncTimeout)
		return InitOutcome{Ran: true, Async: true}, nil
	}
	req.Timeout = r.syncTimeout
	out, err := r.exec(ctx, req)
	if err != nil {
		r.metrics.IncInitScript("sync", "failed")
		logging.Error("execution", "init script failed", "bundle", bundle, "err", err)
		return InitOutcome{Ran: true}, plugins.Wrap(plugins.KindInitFailed, err, "Init script failed: "+err.Error())
	}
	r.metrics.IncInitScript("sync", "ok")
	logging.Info("execution", "init script completed", "bundle", bundle)
	return InitOutcome{Ran: true, Output: out}, nil
}

func (r *InitRunner) runAsync(bundle string, req Request) {
	defer r.wg.Done()
	out, err := r.exec(context.Background(), req)
	status := "ok"
	if err != nil {
		status = "failed"
		logging.Error("execution", "background init script failed", "bundle", bundle, "err", err)
	} else {
		logging.Info("execution", "background init script completed", "bundle", bundle)
	}
	r.metrics.IncInitScript("async", status)
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if nerr := r.notifier.Notify(ctx, notify.NewInitEvent(bundle, out, err)); nerr != nil {
		logging.Error("execution", "init notification failed", "bundle", bundle, "err", nerr)
	}
}

// Wait blocks until every background init script has reported.
func (r *InitRunner) Wait() {
	r.wg.Wait()
}

func (r *InitRunner) exec(ctx context.Context, req Request) (string, error) {
	res, err := r.spawner.Run(ctx, req)
	if err != nil {
		return "", fmt.Errorf("could not start %s: %w", filepath.Base(req.Path), err)
	}
	if res.TimedOut {
		return "", fmt.Errorf("timed out after %s", req.Timeout)
	}
	if res.ExitCode != 0 {
		if d := diagnostics(res); d != "" {
			return "", fmt.Errorf("%s: %s", describeExit(res.ExitCode), d)
		}
		return "", errors.New(describeExit(res.ExitCode))
	}
	return strings.TrimRight(string(res.Stdout), "\r\n"), nil
}
