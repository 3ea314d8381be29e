package manifest

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDecodeBundle(t *testing.T) {
	b, ok := DecodeBundle([]byte(`{
		"name": "weather",
		"description": "Weather lookups",
		"instructions": "Set api_key first.",
		"config": {
			"api_key": {"description": "Provider key", "required": true},
			"units": {"description": "metric or imperial"}
		},
		"init": {"entrypoint": "setup.sh", "async": true}
	}`))
	if !ok {
		t.Fatalf("expected bundle manifest")
	}
	if b.Name != "weather" || b.Description != "Weather lookups" {
		t.Fatalf("unexpected bundle: %+v", b)
	}
	if !b.Configurable() || !b.Config["api_key"].Required || b.Config["units"].Required {
		t.Fatalf("unexpected config: %+v", b.Config)
	}
	if b.Init == nil || b.Init.Entrypoint != "setup.sh" || !b.Init.Async {
		t.Fatalf("unexpected init: %+v", b.Init)
	}
}

func TestDecodeBundleRejectsShapes(t *testing.T) {
	cases := map[string]string{
		"malformed":       `{"name":`,
		"array":           `[1,2]`,
		"null":            `null`,
		"missing name":    `{"description":"x"}`,
		"numeric name":    `{"name":1,"description":"x"}`,
		"tool shape":      `{"name":"x","description":"x","entrypoint":"run.sh"}`,
		"null entrypoint": `{"name":"x","description":"x","entrypoint":null}`,
	}
	for name, doc := range cases {
		if _, ok := DecodeBundle([]byte(doc)); ok {
			t.Fatalf("%s: expected invalid", name)
		}
	}
}

func TestDecodeBundleLenientOptionalFields(t *testing.T) {
	b, ok := DecodeBundle([]byte(`{"name":"x","description":"d","config":"nope","init":{"async":true},"instructions":5}`))
	if !ok {
		t.Fatalf("expected bundle")
	}
	if b.Configurable() || b.Init != nil || b.Instructions != "" {
		t.Fatalf("expected malformed optional fields ignored: %+v", b)
	}
}

func TestDecodeTool(t *testing.T) {
	tool, ok := DecodeTool([]byte(`{"name":"forecast","description":"Get forecast","entrypoint":"run.py","parameters":{"type":"object"}}`))
	if !ok {
		t.Fatalf("expected tool manifest")
	}
	if tool.Entrypoint != "run.py" {
		t.Fatalf("unexpected entrypoint %q", tool.Entrypoint)
	}
	pub := tool.Public()
	if _, ok := pub["entrypoint"]; ok {
		t.Fatalf("public view must not expose entrypoint")
	}
	if pub["name"] != "forecast" || pub["parameters"] == nil {
		t.Fatalf("unexpected public view: %#v", pub)
	}
	if _, ok := DecodeTool([]byte(`{"name":"x","description":"d"}`)); ok {
		t.Fatalf("tool without entrypoint must be invalid")
	}
	if _, ok := DecodeTool([]byte(`{"name":"x","description":"d","entrypoint":7}`)); ok {
		t.Fatalf("non-string entrypoint must be invalid")
	}
}

func TestParseFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if _, ok := ParseBundle(path); ok {
		t.Fatalf("missing file must be absent")
	}
	if err := os.WriteFile(path, []byte(`{"name":"b","description":"d"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := ParseBundle(path); !ok {
		t.Fatalf("expected bundle from disk")
	}
	if _, ok := ParseTool(path); ok {
		t.Fatalf("bundle manifest is not a tool")
	}
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"weather", "a-b-9", "0"} {
		if !ValidName(name) {
			t.Fatalf("expected %q valid", name)
		}
	}
	for _, name := range []string{"", "Weather", "../etc", "a_b", "a b", "a/b", "ä"} {
		if ValidName(name) {
			t.Fatalf("expected %q invalid", name)
		}
	}
}

func TestConfigKeyDiffs(t *testing.T) {
	b := &Bundle{Config: map[string]ConfigField{
		"a": {Required: true},
		"b": {Required: true},
		"c": {},
	}}
	if got := b.UnknownKeys(map[string]any{"a": 1, "z": 2, "y": 3}); !reflect.DeepEqual(got, []string{"y", "z"}) {
		t.Fatalf("unexpected unknown keys: %v", got)
	}
	if got := b.MissingRequired(map[string]any{"a": "1"}); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("unexpected missing keys: %v", got)
	}
	if got := b.MissingRequired(map[string]any{"a": "1", "b": "2"}); len(got) != 0 {
		t.Fatalf("expected nothing missing, got %v", got)
	}
}

func TestInstructionsExcerpt(t *testing.T) {
	b := &Bundle{Instructions: "héllo wörld"}
	if got := b.InstructionsExcerpt(100); got != b.Instructions {
		t.Fatalf("short instructions must be unchanged")
	}
	got := b.InstructionsExcerpt(5)
	if !strings.HasPrefix(got, "héllo") || !strings.HasSuffix(got, truncationMarker) {
		t.Fatalf("unexpected excerpt: %q", got)
	}
}
