// internal/catalog/catalog.go
// Package catalog maintains the set of known upstream models and queue
// endpoints, their defaults, and optional per-entry parameter schemas.
// A YAML file can extend or override the built-in entries at startup.
package catalog

import (
	"fmt"
	"os"

	"github.com/AppleLamps/zapp/internal/model"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Entry describes one selectable model or queue endpoint.
type Entry struct {
	ID       string         `yaml:"id" json:"id"`
	Label    string         `yaml:"label" json:"label"`
	Provider model.Provider `yaml:"provider" json:"provider"`
	Mode     model.Mode     `yaml:"mode" json:"mode"`
	// Default marks the entry used when a request omits the model or
	// endpoint. At most one entry per provider/mode pair should carry it.
	Default bool `yaml:"default,omitempty" json:"default,omitempty"`
	// ParamSchema is an optional JSON Schema applied to the request's
	// open params object before the job is submitted upstream.
	ParamSchema map[string]any `yaml:"paramSchema,omitempty" json:"paramSchema,omitempty"`
}

// Catalog is an immutable lookup of entries, keyed by provider and mode.
type Catalog struct {
	entries []Entry
}

// builtin is the catalog shipped with the binary.
var builtin = []Entry{
	{ID: "google/gemini-2.5-flash-image-preview", Label: "Google: Gemini 2.5 Flash Image Preview", Provider: model.ProviderOpenRouter, Mode: model.ModeGenerate, Default: true},
	{ID: "google/gemini-2.5-flash-image-preview", Label: "Google: Gemini 2.5 Flash Image Preview", Provider: model.ProviderOpenRouter, Mode: model.ModeEdit, Default: true},
	{ID: "fal-ai/flux/dev", Label: "FLUX.1 [dev] (Text to Image)", Provider: model.ProviderFal, Mode: model.ModeGenerate, Default: true},
	{ID: "fal-ai/flux-pro/kontext/max/text-to-image", Label: "FLUX.1 Kontext [max] (Text to Image)", Provider: model.ProviderFal, Mode: model.ModeGenerate},
	{ID: "fal-ai/flux-pro/kontext/max", Label: "FLUX.1 Kontext [max] (Image to Image)", Provider: model.ProviderFal, Mode: model.ModeEdit, Default: true},
}

// New returns the built-in catalog.
func New() *Catalog {
	return &Catalog{entries: builtin}
}

// catalogFile is the YAML document shape accepted by Load.
type catalogFile struct {
	Models []Entry `yaml:"models"`
}

// Load reads a YAML catalog file and merges it over the built-in
// entries. File entries with an ID matching a built-in replace it;
// others are appended.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	merged := make([]Entry, len(builtin))
	copy(merged, builtin)
	for _, e := range file.Models {
		if e.ID == "" || e.Provider == "" || e.Mode == "" {
			return nil, fmt.Errorf("catalog entry missing id, provider, or mode: %+v", e)
		}
		replaced := false
		for i, b := range merged {
			if b.ID == e.ID && b.Provider == e.Provider && b.Mode == e.Mode {
				merged[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, e)
		}
	}

	return &Catalog{entries: merged}, nil
}

// Entries returns every entry for the given provider and mode, in
// catalog order.
func (c *Catalog) Entries(provider model.Provider, mode model.Mode) []Entry {
	var out []Entry
	for _, e := range c.entries {
		if e.Provider == provider && e.Mode == mode {
			out = append(out, e)
		}
	}
	return out
}

// All returns every entry in the catalog.
func (c *Catalog) All() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Resolve maps a requested model or endpoint to a catalog entry. An
// empty request resolves to the provider/mode default. Identifiers not
// present in the catalog pass through unvalidated, so new upstream
// models work without a catalog release.
func (c *Catalog) Resolve(provider model.Provider, mode model.Mode, requested string) (Entry, error) {
	if requested == "" {
		for _, e := range c.entries {
			if e.Provider == provider && e.Mode == mode && e.Default {
				return e, nil
			}
		}
		return Entry{}, fmt.Errorf("no default entry for provider %s mode %s", provider, mode)
	}
	for _, e := range c.entries {
		if e.Provider == provider && e.Mode == mode && e.ID == requested {
			return e, nil
		}
	}
	return Entry{ID: requested, Provider: provider, Mode: mode}, nil
}

// ValidateParams checks the open params object against the entry's
// parameter schema. Entries without a schema accept anything.
func (e Entry) ValidateParams(params map[string]any) error {
	if e.ParamSchema == nil || len(params) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(yamlToJSON(e.ParamSchema))
	docLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("failed to validate params: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid params: %v", msgs)
	}
	return nil
}

// yamlToJSON normalizes YAML-decoded maps so every key is a string,
// which the schema validator requires.
func yamlToJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = yamlToJSON(inner)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprintf("%v", k)] = yamlToJSON(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = yamlToJSON(inner)
		}
		return out
	default:
		return v
	}
}
