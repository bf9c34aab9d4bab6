package schema

import (
	"errors"
	"reflect"
	"testing"
)

func TestSanitizeStripsVendorKeys(t *testing.T) {
	def := map[string]any{
		"type":        "object",
		"description": "a person",
		"x-internal":  "drop me",
		"_sources":    []any{"base"},
		"examples":    []any{map[string]any{"name": "Ada"}},
		"required":    []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{
				"type":       "string",
				"x-ui-order": 1,
			},
			"role": map[string]any{
				"type": "string",
				"enum": []any{"engineer", "manager"},
			},
		},
	}

	got, err := Sanitize(def)
	if err != nil {
		t.Fatalf("Sanitize returned error: %v", err)
	}

	want := map[string]any{
		"type":        "object",
		"description": "a person",
		"required":    []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{
				"type": "string",
			},
			"role": map[string]any{
				"type": "string",
				"enum": []any{"engineer", "manager"},
			},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Sanitize() = %#v, want %#v", got, want)
	}

	// The input is left untouched.
	if _, ok := def["x-internal"]; !ok {
		t.Error("Sanitize modified its input")
	}
}

func TestSanitizeRecursesIntoItems(t *testing.T) {
	def := map[string]any{
		"type": "array",
		"items": map[string]any{
			"type":     "object",
			"x-vendor": true,
			"properties": map[string]any{
				"label": map[string]any{"type": "string", "readOnly": true},
			},
		},
	}

	got, err := Sanitize(def)
	if err != nil {
		t.Fatalf("Sanitize returned error: %v", err)
	}

	items := got["items"].(map[string]any)
	if _, ok := items["x-vendor"]; ok {
		t.Error("vendor key survived inside items")
	}
	label := items["properties"].(map[string]any)["label"].(map[string]any)
	if _, ok := label["readOnly"]; ok {
		t.Error("vendor key survived inside nested property")
	}
}

func TestSanitizeMalformed(t *testing.T) {
	tests := []struct {
		name string
		def  map[string]any
	}{
		{"nil definition", nil},
		{"properties not an object", map[string]any{"properties": "oops"}},
		{"property not an object", map[string]any{
			"properties": map[string]any{"name": "string"},
		}},
		{"items scalar", map[string]any{"items": 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sanitize(tt.def)
			if !errors.Is(err, ErrSanitization) {
				t.Errorf("Sanitize error = %v, want ErrSanitization", err)
			}
		})
	}
}

func TestRegistryLaterSourceWins(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterType("base", TypeSchema{
		Name:        "Person",
		Description: "base person",
		Definition:  map[string]any{"type": "object"},
	})
	reg.RegisterType("override", TypeSchema{
		Name:        "person",
		Description: "overridden person",
		Definition: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
	})

	def, ok := reg.Type("PERSON")
	if !ok {
		t.Fatal("expected Person to resolve case-insensitively")
	}
	if def.Description != "overridden person" {
		t.Errorf("description = %q, want the later source's definition", def.Description)
	}
	if want := []string{"base", "override"}; !reflect.DeepEqual(def.Sources, want) {
		t.Errorf("sources = %v, want %v", def.Sources, want)
	}
}

func TestRegistryResolveAllowed(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"Person", "Place", "Organization"} {
		reg.RegisterType("base", TypeSchema{Name: name, Definition: map[string]any{"type": "object"}})
	}

	t.Run("empty allow-list means all types", func(t *testing.T) {
		types, err := reg.ResolveAllowed(nil)
		if err != nil {
			t.Fatalf("ResolveAllowed returned error: %v", err)
		}
		var names []string
		for _, def := range types {
			names = append(names, def.Name)
		}
		want := []string{"Organization", "Person", "Place"}
		if !reflect.DeepEqual(names, want) {
			t.Errorf("names = %v, want %v", names, want)
		}
	})

	t.Run("allow-list preserves its own order", func(t *testing.T) {
		types, err := reg.ResolveAllowed([]string{"Place", "Person"})
		if err != nil {
			t.Fatalf("ResolveAllowed returned error: %v", err)
		}
		if len(types) != 2 || types[0].Name != "Place" || types[1].Name != "Person" {
			t.Errorf("got %v, want [Place Person]", types)
		}
	})

	t.Run("unknown type errors", func(t *testing.T) {
		if _, err := reg.ResolveAllowed([]string{"Spaceship"}); err == nil {
			t.Error("expected error for unknown type")
		}
	})
}

func TestRegistryRelationships(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterRelationship("base", RelationshipSchema{
		Name:      "works_at",
		FromTypes: []string{"Person"},
		ToTypes:   []string{"Organization"},
		Definition: map[string]any{
			"type": "object",
		},
	})

	rel, ok := reg.Relationship("WORKS_AT")
	if !ok {
		t.Fatal("expected works_at to resolve")
	}
	if !reflect.DeepEqual(rel.FromTypes, []string{"Person"}) || !reflect.DeepEqual(rel.ToTypes, []string{"Organization"}) {
		t.Errorf("endpoint constraints = %v -> %v", rel.FromTypes, rel.ToTypes)
	}
}

func TestDescribeFields(t *testing.T) {
	def := map[string]any{
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "full name"},
			"age":  map[string]any{"type": "integer", "description": "age in years"},
			"tags": map[string]any{"type": "array"},
		},
	}

	got := DescribeFields(def)
	want := []string{"age: age in years", "name: full name"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DescribeFields() = %v, want %v", got, want)
	}
}
