// Package registry builds immutable snapshots of the bundles installed under
// the plugins root. A new snapshot is taken for every request; nothing is
// cached between scans.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/plugins/manifest"
)

// Tool is a tool directory whose manifest passed validation.
type Tool struct {
	Dir      string
	Manifest *manifest.Tool
}

// Bundle is a bundle directory with its valid tools in directory order.
type Bundle struct {
	Dir      string
	Manifest *manifest.Bundle
	Tools    []Tool
}

// Snapshot is a point-in-time view of the plugins root.
type Snapshot struct {
	Root       string
	CapturedAt time.Time
	Bundles    []Bundle
}

// Scan reads every immediate subdirectory of root as a bundle. A missing
// root yields an empty snapshot; invalid bundles are logged and skipped.
func Scan(root string) (*Snapshot, error) {
	snap := &Snapshot{Root: root, CapturedAt: time.Now().UTC()}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snap, nil
		}
		return nil, fmt.Errorf("read plugins root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		m, ok := manifest.ParseBundle(filepath.Join(dir, manifest.FileName))
		if !ok {
			logging.Warn("registry", "skipping directory without a valid bundle manifest", "dir", entry.Name())
			continue
		}
		if m.Name != entry.Name() {
			logging.Warn("registry", "skipping bundle whose name does not match its directory", "dir", entry.Name(), "name", m.Name)
			continue
		}
		snap.Bundles = append(snap.Bundles, Bundle{Dir: dir, Manifest: m, Tools: scanTools(dir)})
	}
	return snap, nil
}

func scanTools(bundleDir string) []Tool {
	entries, err := os.ReadDir(bundleDir)
	if err != nil {
		logging.Warn("registry", "cannot list bundle", "dir", bundleDir, "err", err)
		return nil
	}
	var tools []Tool
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(bundleDir, entry.Name())
		m, ok := manifest.ParseTool(filepath.Join(dir, manifest.FileName))
		if !ok || m.Name != entry.Name() {
			continue
		}
		tools = append(tools, Tool{Dir: dir, Manifest: m})
	}
	return tools
}

// FindBundle looks a bundle up by manifest name.
func (s *Snapshot) FindBundle(name string) (*Bundle, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Bundles {
		if s.Bundles[i].Manifest.Name == name {
			return &s.Bundles[i], true
		}
	}
	return nil, false
}

// FindTool looks a tool up by manifest name within b.
func (b *Bundle) FindTool(name string) (*Tool, bool) {
	if b == nil {
		return nil, false
	}
	for i := range b.Tools {
		if b.Tools[i].Manifest.Name == name {
			return &b.Tools[i], true
		}
	}
	return nil, false
}

// Names returns the bundle names in the snapshot, sorted.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Bundles))
	for _, b := range s.Bundles {
		out = append(out, b.Manifest.Name)
	}
	sort.Strings(out)
	return out
}
