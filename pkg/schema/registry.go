package schema

import (
	"fmt"
	"sort"
	"strings"
)

// TypeSchema describes one object type as loaded from a project's schema
// source. Definition is the JSON-Schema-like body; Sources records every
// schema source that contributed a definition for this type name, latest
// last.
type TypeSchema struct {
	Name        string
	Description string
	Definition  map[string]any
	Examples    []map[string]any
	Sources     []string
}

// RelationshipSchema mirrors TypeSchema for relationship types, with the
// endpoint type constraints the source declares.
type RelationshipSchema struct {
	Name        string
	Description string
	Definition  map[string]any
	FromTypes   []string
	ToTypes     []string
	Sources     []string
}

// Registry holds the merged type definitions for one project. Overlapping
// type names across sources are resolved by letting the later-loaded
// definition win, with every contributing source kept in Sources.
type Registry struct {
	types         map[string]TypeSchema
	relationships map[string]RelationshipSchema
}

func NewRegistry() *Registry {
	return &Registry{
		types:         make(map[string]TypeSchema),
		relationships: make(map[string]RelationshipSchema),
	}
}

// RegisterType merges def into the registry under the given source name.
func (r *Registry) RegisterType(source string, def TypeSchema) {
	key := normalizeTypeName(def.Name)
	merged := def
	if existing, ok := r.types[key]; ok {
		merged.Sources = appendSource(existing.Sources, source)
	} else {
		merged.Sources = appendSource(nil, source)
	}
	r.types[key] = merged
}

// RegisterRelationship merges def into the registry under the given source
// name.
func (r *Registry) RegisterRelationship(source string, def RelationshipSchema) {
	key := normalizeTypeName(def.Name)
	merged := def
	if existing, ok := r.relationships[key]; ok {
		merged.Sources = appendSource(existing.Sources, source)
	} else {
		merged.Sources = appendSource(nil, source)
	}
	r.relationships[key] = merged
}

// Type looks up an object type by name, case-insensitively.
func (r *Registry) Type(name string) (TypeSchema, bool) {
	def, ok := r.types[normalizeTypeName(name)]
	return def, ok
}

// Relationship looks up a relationship type by name, case-insensitively.
func (r *Registry) Relationship(name string) (RelationshipSchema, bool) {
	def, ok := r.relationships[normalizeTypeName(name)]
	return def, ok
}

// Types returns all object types sorted by name, so iteration order is
// stable across runs.
func (r *Registry) Types() []TypeSchema {
	out := make([]TypeSchema, 0, len(r.types))
	for _, def := range r.types {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Relationships returns all relationship types sorted by name.
func (r *Registry) Relationships() []RelationshipSchema {
	out := make([]RelationshipSchema, 0, len(r.relationships))
	for _, def := range r.relationships {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// ResolveAllowed maps an allow-list of type names onto the registry's
// definitions, resolved once per job. An empty allow-list means every known
// type. Unknown names are an error rather than silently skipped.
func (r *Registry) ResolveAllowed(allowed []string) ([]TypeSchema, error) {
	if len(allowed) == 0 {
		return r.Types(), nil
	}

	out := make([]TypeSchema, 0, len(allowed))
	for _, name := range allowed {
		def, ok := r.Type(name)
		if !ok {
			return nil, fmt.Errorf("schema: unknown type %q in allow-list", name)
		}
		out = append(out, def)
	}
	return out, nil
}

func normalizeTypeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func appendSource(sources []string, source string) []string {
	for _, existing := range sources {
		if existing == source {
			return sources
		}
	}
	return append(sources, source)
}
