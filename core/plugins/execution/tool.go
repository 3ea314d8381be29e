package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cordum/plugind/core/infra/locks"
	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/infra/metrics"
	"github.com/cordum/plugind/core/plugins"
	"github.com/cordum/plugind/core/plugins/principal"
	"github.com/cordum/plugind/core/plugins/registry"
)

const defaultToolTimeout = 30 * time.Second

// PrincipalResolver finds the identity of an installed bundle.
type PrincipalResolver interface {
	Lookup(bundle string) (principal.Principal, error)
}

// ToolResult is the structured outcome of a tool run. Output is set only on
// success and Error only on failure.
type ToolResult struct {
	Success bool
	Output  any
	Error   string
	Kind    plugins.Kind
}

func (r ToolResult) MarshalJSON() ([]byte, error) {
	if r.Success {
		return json.Marshal(struct {
			Success bool `json:"success"`
			Output  any  `json:"output"`
		}{true, r.Output})
	}
	return json.Marshal(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{false, r.Error})
}

// Outcome labels the result for metrics.
func (r ToolResult) Outcome() string {
	if r.Success {
		return "ok"
	}
	return string(r.Kind)
}

// Engine resolves and runs tools.
type Engine struct {
	root       string
	principals PrincipalResolver
	spawner    *Spawner
	locks      locks.Store
	metrics    metrics.Metrics
	timeout    time.Duration
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Root       string
	Principals PrincipalResolver
	Spawner    *Spawner
	Locks      locks.Store
	Metrics    metrics.Metrics
	Timeout    time.Duration
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		root:       cfg.Root,
		principals: cfg.Principals,
		spawner:    cfg.Spawner,
		locks:      cfg.Locks,
		metrics:    cfg.Metrics,
		timeout:    cfg.Timeout,
	}
	if e.timeout <= 0 {
		e.timeout = defaultToolTimeout
	}
	if e.metrics == nil {
		e.metrics = metrics.Noop{}
	}
	if e.spawner == nil {
		e.spawner = NewSpawner(nil, 0)
	}
	return e
}

// RunTool executes one tool with input on stdin. Lookup and identity
// failures are returned as errors; everything that happens once the tool is
// resolved is reported in the ToolResult.
func (e *Engine) RunTool(ctx context.Context, bundleName, toolName string, input []byte) (ToolResult, error) {
	ttl := e.timeout + e.spawner.killGrace + 30*time.Second
	release, err := locks.Hold(ctx, e.locks, locks.BundleResource(bundleName), locks.ModeShared, ttl)
	if err != nil {
		if errors.Is(err, locks.ErrHeld) {
			return ToolResult{}, plugins.Errorf(plugins.KindBusy, "plugin %q is being modified, try again shortly", bundleName)
		}
		return ToolResult{}, plugins.Wrap(plugins.KindInternal, err, "failed to acquire plugin lock")
	}
	defer release()

	snap, err := registry.Scan(e.root)
	if err != nil {
		return ToolResult{}, plugins.Wrap(plugins.KindInternal, err, "failed to scan plugins")
	}
	bundle, ok := snap.FindBundle(bundleName)
	if !ok {
		return ToolResult{}, plugins.Errorf(plugins.KindNotFound, "plugin %q not found", bundleName)
	}
	tool, ok := bundle.FindTool(toolName)
	if !ok {
		return ToolResult{}, plugins.Errorf(plugins.KindNotFound, "tool %q not found in plugin %q", toolName, bundleName)
	}
	p, err := e.principals.Lookup(bundleName)
	if err != nil {
		return ToolResult{}, err
	}

	if input == nil {
		input = []byte{}
	}
	result, elapsed := e.run(ctx, tool, p, input)
	e.metrics.ObserveToolRun(bundleName, toolName, result.Outcome(), elapsed.Seconds())
	if result.Success {
		logging.Info("execution", "tool succeeded", "bundle", bundleName, "tool", toolName, "duration", elapsed)
	} else {
		logging.Warn("execution", "tool failed", "bundle", bundleName, "tool", toolName, "kind", result.Kind, "duration", elapsed)
	}
	return result, nil
}

func (e *Engine) run(ctx context.Context, tool *registry.Tool, p principal.Principal, input []byte) (ToolResult, time.Duration) {
	entry := tool.Manifest.Entrypoint
	if !filepath.IsLocal(entry) {
		return ToolResult{
			Error: fmt.Sprintf("Failed to start tool: entrypoint %q must be a path inside the tool directory", entry),
			Kind:  plugins.KindSpawnFailed,
		}, 0
	}
	res, err := e.spawner.Run(ctx, Request{
		Path:      filepath.Join(tool.Dir, entry),
		Dir:       tool.Dir,
		Stdin:     input,
		Timeout:   e.timeout,
		Principal: p,
	})
	if err != nil {
		return ToolResult{Error: "Failed to start tool: " + err.Error(), Kind: plugins.KindSpawnFailed}, 0
	}
	return interpret(res, e.timeout), res.Duration
}

func interpret(res *Result, timeout time.Duration) ToolResult {
	switch {
	case res.TimedOut:
		return ToolResult{
			Error: fmt.Sprintf("Tool execution timed out after %s", timeout),
			Kind:  plugins.KindExecutionTimeout,
		}
	case res.ExitCode != 0:
		msg := diagnostics(res)
		if msg == "" {
			msg = "Tool " + describeExit(res.ExitCode)
		}
		return ToolResult{Error: msg, Kind: plugins.KindNonZeroExit}
	default:
		return ToolResult{Success: true, Output: parseOutput(res.Stdout)}
	}
}

// parseOutput returns stdout as a JSON value when it is one, otherwise as
// text without the trailing newline.
func parseOutput(stdout []byte) any {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return strings.TrimRight(string(stdout), "\r\n")
}

// diagnostics puts stderr first and stdout after it.
func diagnostics(res *Result) string {
	var parts []string
	if s := strings.TrimSpace(string(res.Stderr)); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(string(res.Stdout)); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}
