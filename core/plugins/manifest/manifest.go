// Package manifest reads bundle and tool manifests. The two shapes are told
// apart by the presence of an "entrypoint" field; anything that matches
// neither is reported as absent rather than as an error.
package manifest

import (
	"embed"
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/cordum/plugind/core/infra/schema"
)

const (
	// FileName is the manifest file at a bundle root and in each tool directory.
	FileName = "manifest.json"
	// ConfigFileName holds a bundle's persisted configuration.
	ConfigFileName = "config.json"

	truncationMarker = "\n\n[instructions truncated]"
)

//go:embed schema/*.json
var schemaFS embed.FS

var (
	bundleSchema = mustLoadSchema("bundle-manifest", "schema/bundle.schema.json")
	toolSchema   = mustLoadSchema("tool-manifest", "schema/tool.schema.json")

	namePattern = regexp.MustCompile(`^[a-z0-9-]+$`)
)

func mustLoadSchema(id, file string) *schema.Schema {
	data, err := schemaFS.ReadFile(file)
	if err != nil {
		panic(err)
	}
	return schema.MustCompile(id, data)
}

// ValidName reports whether name is usable as a bundle directory and identity.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ConfigField declares one configuration key a bundle accepts.
type ConfigField struct {
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// InitScript is the optional post-install hook at the bundle root.
type InitScript struct {
	Entrypoint string `json:"entrypoint"`
	Async      bool   `json:"async,omitempty"`
}

// Bundle is a parsed bundle manifest.
type Bundle struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Config       map[string]ConfigField `json:"config,omitempty"`
	Instructions string                 `json:"instructions,omitempty"`
	Init         *InitScript            `json:"init,omitempty"`
}

// Tool is a parsed tool manifest. Fields beyond name, description and
// entrypoint are carried through untouched.
type Tool struct {
	Name        string
	Description string
	Entrypoint  string
	fields      map[string]any
}

// IsBundle is the bundle shape predicate over a decoded JSON document.
func IsBundle(doc any) bool {
	return bundleSchema.Validate(doc) == nil
}

// IsTool is the tool shape predicate over a decoded JSON document.
func IsTool(doc any) bool {
	return toolSchema.Validate(doc) == nil
}

// ParseBundle reads path as a bundle manifest.
func ParseBundle(path string) (*Bundle, bool) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is under the plugins root.
	if err != nil {
		return nil, false
	}
	return DecodeBundle(data)
}

// ParseTool reads path as a tool manifest.
func ParseTool(path string) (*Tool, bool) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is under the plugins root.
	if err != nil {
		return nil, false
	}
	return DecodeTool(data)
}

// DecodeBundle applies the bundle predicate to raw manifest bytes.
func DecodeBundle(data []byte) (*Bundle, bool) {
	doc, ok := decodeObject(data)
	if !ok || !IsBundle(doc) {
		return nil, false
	}
	b := &Bundle{
		Name:        doc["name"].(string),
		Description: doc["description"].(string),
	}
	if s, ok := doc["instructions"].(string); ok {
		b.Instructions = s
	}
	if cfg, ok := doc["config"].(map[string]any); ok {
		b.Config = make(map[string]ConfigField, len(cfg))
		for key, raw := range cfg {
			field := ConfigField{}
			if obj, ok := raw.(map[string]any); ok {
				field.Description, _ = obj["description"].(string)
				field.Required, _ = obj["required"].(bool)
			}
			b.Config[key] = field
		}
	}
	if hook, ok := doc["init"].(map[string]any); ok {
		if ep, ok := hook["entrypoint"].(string); ok && ep != "" {
			async, _ := hook["async"].(bool)
			b.Init = &InitScript{Entrypoint: ep, Async: async}
		}
	}
	return b, true
}

// DecodeTool applies the tool predicate to raw manifest bytes.
func DecodeTool(data []byte) (*Tool, bool) {
	doc, ok := decodeObject(data)
	if !ok || !IsTool(doc) {
		return nil, false
	}
	return &Tool{
		Name:        doc["name"].(string),
		Description: doc["description"].(string),
		Entrypoint:  doc["entrypoint"].(string),
		fields:      doc,
	}, true
}

func decodeObject(data []byte) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

// Public returns the manifest document without its entrypoint.
func (t *Tool) Public() map[string]any {
	out := make(map[string]any, len(t.fields))
	for k, v := range t.fields {
		if k == "entrypoint" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		out["name"] = t.Name
		out["description"] = t.Description
	}
	return out
}

// Configurable reports whether the bundle declares a config map.
func (b *Bundle) Configurable() bool {
	return b.Config != nil
}

// UnknownKeys lists keys of values that the manifest does not declare.
func (b *Bundle) UnknownKeys(values map[string]any) []string {
	var out []string
	for key := range values {
		if _, ok := b.Config[key]; !ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// MissingRequired lists required keys that have no entry in values.
func (b *Bundle) MissingRequired(values map[string]any) []string {
	var out []string
	for key, field := range b.Config {
		if !field.Required {
			continue
		}
		if _, ok := values[key]; !ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// InstructionsExcerpt returns the instructions cut to at most limit runes.
func (b *Bundle) InstructionsExcerpt(limit int) string {
	if limit <= 0 || utf8.RuneCountInString(b.Instructions) <= limit {
		return b.Instructions
	}
	runes := []rune(b.Instructions)
	return string(runes[:limit]) + truncationMarker
}
