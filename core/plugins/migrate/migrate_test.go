package migrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cordum/plugind/core/plugins/principal"
	"github.com/cordum/plugind/core/plugins/registry"
)

func writeFile(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func legacyBundle(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	writeFile(t, filepath.Join(dir, "manifest.json"),
		`{"name":"`+name+`","description":"Legacy tool","entrypoint":"run.sh","input_schema":{"type":"object"}}`, 0o644)
	writeFile(t, filepath.Join(dir, "run.sh"), "#!/bin/sh\necho ok\n", 0o755)
	writeFile(t, filepath.Join(dir, "lib", "helper.py"), "print('x')\n", 0o644)
	writeFile(t, filepath.Join(dir, "config.json"), `{"token":"x"}`, 0o600)
	return dir
}

type fakePrincipals struct {
	ensured  []string
	locked   []string
	failWith error
}

func (f *fakePrincipals) Ensure(_ context.Context, bundle string) (principal.Principal, principal.Outcome, error) {
	if f.failWith != nil {
		return principal.Principal{}, 0, f.failWith
	}
	f.ensured = append(f.ensured, bundle)
	return principal.Principal{Name: "plug_" + bundle, UID: os.Getuid(), GID: os.Getgid()}, principal.Created, nil
}

func (f *fakePrincipals) Lockdown(dir string, _ principal.Principal) error {
	f.locked = append(f.locked, dir)
	return nil
}

func TestBundleNestsLegacyTool(t *testing.T) {
	root := t.TempDir()
	dir := legacyBundle(t, root, "search")

	name, migrated, err := Bundle(dir)
	if err != nil || !migrated || name != "search" {
		t.Fatalf("migrate: name=%q migrated=%v err=%v", name, migrated, err)
	}
	for _, rel := range []string{"search/run.sh", "search/lib/helper.py", "search/manifest.json", "config.json"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("expected %s: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "run.sh")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("run.sh should have moved: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "search", "run.sh"))
	if err != nil || info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("entrypoint lost its mode: %v %v", info, err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if strings.Contains(string(data), "entrypoint") {
		t.Fatalf("root manifest still a tool manifest: %s", data)
	}
	tool, _ := os.ReadFile(filepath.Join(dir, "search", "manifest.json"))
	if !strings.Contains(string(tool), "input_schema") {
		t.Fatalf("tool manifest not copied verbatim: %s", tool)
	}

	snap, err := registry.Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	b, ok := snap.FindBundle("search")
	if !ok {
		t.Fatalf("migrated bundle not registered")
	}
	if _, ok := b.FindTool("search"); !ok {
		t.Fatalf("migrated tool not registered")
	}
}

func TestBundleIsIdempotent(t *testing.T) {
	root := t.TempDir()
	dir := legacyBundle(t, root, "search")
	if _, _, err := Bundle(dir); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, _ := os.ReadFile(filepath.Join(dir, "manifest.json"))

	_, migrated, err := Bundle(dir)
	if err != nil || migrated {
		t.Fatalf("second run should be a no-op: migrated=%v err=%v", migrated, err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if string(before) != string(after) {
		t.Fatalf("manifest changed on second run")
	}
	if _, err := os.Stat(filepath.Join(dir, "search", "search")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("tool nested twice: %v", err)
	}
}

func TestBundleResumesAfterInterruption(t *testing.T) {
	root := t.TempDir()
	dir := legacyBundle(t, root, "search")
	// Simulate a crash after the tool directory was created and one entry moved.
	if err := os.Mkdir(filepath.Join(dir, "search"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Rename(filepath.Join(dir, "lib"), filepath.Join(dir, "search", "lib")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if _, migrated, err := Bundle(dir); err != nil || !migrated {
		t.Fatalf("resume: migrated=%v err=%v", migrated, err)
	}
	for _, rel := range []string{"search/run.sh", "search/lib/helper.py", "search/manifest.json"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("expected %s: %v", rel, err)
		}
	}
}

func TestBundleRejectsUnsafeName(t *testing.T) {
	for _, name := range []string{"../escape", ".hidden", "a/b", "manifest.json"} {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "manifest.json"),
			`{"name":"`+name+`","description":"d","entrypoint":"run.sh"}`, 0o644)
		if _, _, err := Bundle(dir); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestBundleLeavesCurrentLayoutAlone(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manifest.json"), `{"name":"x","description":"d"}`, 0o644)
	if _, migrated, err := Bundle(dir); err != nil || migrated {
		t.Fatalf("bundle layout touched: migrated=%v err=%v", migrated, err)
	}
	if _, migrated, err := Bundle(t.TempDir()); err != nil || migrated {
		t.Fatalf("empty dir touched: migrated=%v err=%v", migrated, err)
	}
}

func TestRunProvisionsMigratedBundles(t *testing.T) {
	root := t.TempDir()
	legacyBundle(t, root, "search")
	writeFile(t, filepath.Join(root, "modern", "manifest.json"), `{"name":"modern","description":"d"}`, 0o644)
	writeFile(t, filepath.Join(root, "broken", "manifest.json"), `{"name":"../x","description":"d","entrypoint":"a"}`, 0o644)

	fp := &fakePrincipals{}
	report, err := New(root, fp).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Migrated) != 1 || report.Migrated[0] != "search" {
		t.Fatalf("unexpected migrated list: %v", report.Migrated)
	}
	if _, ok := report.Failed["broken"]; !ok {
		t.Fatalf("expected broken bundle failure: %v", report.Failed)
	}
	if len(fp.ensured) != 1 || len(fp.locked) != 1 {
		t.Fatalf("expected one principal and lockdown: %v %v", fp.ensured, fp.locked)
	}

	report, err = New(root, fp).Run(context.Background())
	if err != nil || len(report.Migrated) != 0 {
		t.Fatalf("second run should migrate nothing: %v %v", report.Migrated, err)
	}
}

func TestRunMissingRoot(t *testing.T) {
	report, err := New(filepath.Join(t.TempDir(), "absent"), nil).Run(context.Background())
	if err != nil || len(report.Migrated) != 0 {
		t.Fatalf("missing root: %v %v", report, err)
	}
}
