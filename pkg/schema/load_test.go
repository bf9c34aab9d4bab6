package schema

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadDirMergesSourcesInFilenameOrder(t *testing.T) {
	dir := t.TempDir()

	base := `{
		"types": {
			"Person": {
				"description": "A person",
				"definition": {"type": "object", "properties": {"name": {"type": "string"}}}
			},
			"Place": {
				"description": "A place",
				"definition": {"type": "object"}
			}
		},
		"relationships": {
			"LIVES_IN": {
				"description": "Residency",
				"definition": {"type": "object"},
				"fromTypes": ["Person"],
				"toTypes": ["Place"]
			}
		}
	}`
	override := `{
		"types": {
			"Person": {
				"description": "A person, revised",
				"definition": {"type": "object", "properties": {"name": {"type": "string"}, "born": {"type": "integer"}}}
			}
		}
	}`

	if err := os.WriteFile(filepath.Join(dir, "01_base.json"), []byte(base), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "02_override.json"), []byte(override), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	registry, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	person, ok := registry.Type("Person")
	if !ok {
		t.Fatal("Person not registered")
	}
	if person.Description != "A person, revised" {
		t.Errorf("description = %q, want the later source's", person.Description)
	}
	if !reflect.DeepEqual(person.Sources, []string{"01_base", "02_override"}) {
		t.Errorf("sources = %v", person.Sources)
	}

	if _, ok := registry.Type("Place"); !ok {
		t.Error("Place lost in merge")
	}

	rel, ok := registry.Relationship("LIVES_IN")
	if !ok {
		t.Fatal("LIVES_IN not registered")
	}
	if !reflect.DeepEqual(rel.FromTypes, []string{"Person"}) || !reflect.DeepEqual(rel.ToTypes, []string{"Place"}) {
		t.Errorf("endpoint constraints = %v -> %v", rel.FromTypes, rel.ToTypes)
	}
}

func TestLoadJSONRejectsMalformed(t *testing.T) {
	registry := NewRegistry()
	if err := registry.LoadJSON("bad", []byte(`{not json`)); err == nil {
		t.Error("expected an error")
	}
}
