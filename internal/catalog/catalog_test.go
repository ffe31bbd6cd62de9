// internal/catalog/catalog_test.go
// Package catalog provides unit tests for entry resolution and the
// YAML merge.
package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AppleLamps/zapp/internal/model"
)

// TestResolveDefaults verifies that an empty request resolves to the
// default entry for every provider/mode pair.
func TestResolveDefaults(t *testing.T) {
	c := New()

	tests := []struct {
		provider model.Provider
		mode     model.Mode
		wantID   string
	}{
		{model.ProviderFal, model.ModeGenerate, "fal-ai/flux/dev"},
		{model.ProviderFal, model.ModeEdit, "fal-ai/flux-pro/kontext/max"},
		{model.ProviderOpenRouter, model.ModeGenerate, "google/gemini-2.5-flash-image-preview"},
		{model.ProviderOpenRouter, model.ModeEdit, "google/gemini-2.5-flash-image-preview"},
	}
	for _, tt := range tests {
		entry, err := c.Resolve(tt.provider, tt.mode, "")
		if err != nil {
			t.Errorf("Resolve(%s, %s, \"\"): %v", tt.provider, tt.mode, err)
			continue
		}
		if entry.ID != tt.wantID {
			t.Errorf("Resolve(%s, %s, \"\"): got %q want %q", tt.provider, tt.mode, entry.ID, tt.wantID)
		}
	}
}

// TestResolveUnknownPassesThrough verifies that identifiers absent from
// the catalog pass through so new upstream models work immediately.
func TestResolveUnknownPassesThrough(t *testing.T) {
	c := New()

	entry, err := c.Resolve(model.ProviderFal, model.ModeGenerate, "fal-ai/brand-new-model")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.ID != "fal-ai/brand-new-model" {
		t.Errorf("entry ID: got %q", entry.ID)
	}
	if entry.ParamSchema != nil {
		t.Error("pass-through entries must not carry a schema")
	}
}

// TestEntriesFiltersByProviderAndMode verifies the per-pair listing.
func TestEntriesFiltersByProviderAndMode(t *testing.T) {
	c := New()

	entries := c.Entries(model.ProviderFal, model.ModeGenerate)
	if len(entries) != 2 {
		t.Fatalf("fal generate entries: got %d want 2", len(entries))
	}
	for _, e := range entries {
		if e.Provider != model.ProviderFal || e.Mode != model.ModeGenerate {
			t.Errorf("entry %q has wrong provider/mode: %s/%s", e.ID, e.Provider, e.Mode)
		}
	}
}

// TestValidateParams verifies schema enforcement against the open
// params object.
func TestValidateParams(t *testing.T) {
	entry := Entry{
		ID: "test/model",
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"num_images": map[string]any{"type": "integer", "maximum": 4},
			},
		},
	}

	if err := entry.ValidateParams(map[string]any{"num_images": 2}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	if err := entry.ValidateParams(map[string]any{"num_images": 9}); err == nil {
		t.Error("out-of-range param should be rejected")
	}
	if err := entry.ValidateParams(nil); err != nil {
		t.Errorf("empty params should always pass: %v", err)
	}
	if err := (Entry{ID: "no/schema"}).ValidateParams(map[string]any{"anything": true}); err != nil {
		t.Errorf("entries without a schema accept anything: %v", err)
	}
}

// TestLoadMergesOverBuiltin verifies that a YAML file replaces matching
// built-ins and appends new entries.
func TestLoadMergesOverBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `models:
  - id: fal-ai/flux/dev
    label: Renamed Flux
    provider: fal
    mode: generate
    default: true
  - id: fal-ai/recraft/v3
    label: Recraft V3
    provider: fal
    mode: generate
    paramSchema:
      type: object
      properties:
        style:
          type: string
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	entry, err := c.Resolve(model.ProviderFal, model.ModeGenerate, "")
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if entry.Label != "Renamed Flux" {
		t.Errorf("overridden label: got %q", entry.Label)
	}

	added, err := c.Resolve(model.ProviderFal, model.ModeGenerate, "fal-ai/recraft/v3")
	if err != nil {
		t.Fatalf("Resolve appended: %v", err)
	}
	if added.ParamSchema == nil {
		t.Error("appended entry should carry its schema")
	}
	if err := added.ValidateParams(map[string]any{"style": 3}); err == nil {
		t.Error("schema from YAML should reject a non-string style")
	}

	if got := len(c.Entries(model.ProviderFal, model.ModeGenerate)); got != 3 {
		t.Errorf("fal generate entries after merge: got %d want 3", got)
	}
}

// TestLoadRejectsIncompleteEntry verifies required fields in the file.
func TestLoadRejectsIncompleteEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("models:\n  - label: Nameless\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("Load: got %v, want missing-field error", err)
	}
}

// TestLoadMissingFile verifies the error path for an absent file.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}
