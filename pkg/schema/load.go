package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"
)

// schemaFile is the on-disk shape of one schema source: type name to
// definition, for object and relationship types.
type schemaFile struct {
	Types         map[string]typeEntry         `json:"types"`
	Relationships map[string]relationshipEntry `json:"relationships"`
}

type typeEntry struct {
	Description string           `json:"description"`
	Definition  map[string]any   `json:"definition"`
	Examples    []map[string]any `json:"examples,omitempty"`
}

type relationshipEntry struct {
	Description string         `json:"description"`
	Definition  map[string]any `json:"definition"`
	FromTypes   []string       `json:"fromTypes,omitempty"`
	ToTypes     []string       `json:"toTypes,omitempty"`
}

// LoadJSON merges one schema source into the registry. The source name is
// recorded as provenance; a later source overwrites earlier definitions of
// the same type name.
func (r *Registry) LoadJSON(source string, data []byte) error {
	var file schemaFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("schema source %s: %w", source, err)
	}

	for name, entry := range file.Types {
		r.RegisterType(source, TypeSchema{
			Name:        name,
			Description: entry.Description,
			Definition:  entry.Definition,
			Examples:    entry.Examples,
		})
	}
	for name, entry := range file.Relationships {
		r.RegisterRelationship(source, RelationshipSchema{
			Name:        name,
			Description: entry.Description,
			Definition:  entry.Definition,
			FromTypes:   entry.FromTypes,
			ToTypes:     entry.ToTypes,
		})
	}
	return nil
}

// LoadDir builds a registry from every .json file in dir, loaded in
// filename order so the later-wins merge rule is deterministic.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	registry := NewRegistry()
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		source := strings.TrimSuffix(name, ".json")
		if err := registry.LoadJSON(source, data); err != nil {
			return nil, err
		}
	}

	logger.Debug("[Schema] Loaded registry",
		"dir", dir, "sources", len(names), "types", len(registry.types), "relationships", len(registry.relationships))
	return registry, nil
}
