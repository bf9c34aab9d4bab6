package schema

import (
	"errors"
	"fmt"
	"sort"
)

// ErrSanitization marks a type definition that cannot be reduced to a valid
// structural schema. Callers skip the affected type and continue.
var ErrSanitization = errors.New("schema: definition cannot be sanitized")

// Model providers reject schemas carrying unknown keywords, so only the
// structural core survives sanitization. Everything else, including
// underscore-prefixed provenance keys, is stripped.
var allowedKeys = map[string]bool{
	"type":        true,
	"description": true,
	"enum":        true,
	"items":       true,
	"properties":  true,
	"required":    true,
}

// Sanitize returns a copy of def reduced to the structural keys a model call
// accepts, applied recursively through properties and items. The input is
// never modified.
func Sanitize(def map[string]any) (map[string]any, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: nil definition", ErrSanitization)
	}

	out := make(map[string]any, len(def))
	for key, value := range def {
		if !allowedKeys[key] {
			continue
		}

		switch key {
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: properties is %T, expected object", ErrSanitization, value)
			}
			cleanProps := make(map[string]any, len(props))
			for name, sub := range props {
				subMap, ok := sub.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: property %q is %T, expected object", ErrSanitization, name, sub)
				}
				clean, err := Sanitize(subMap)
				if err != nil {
					return nil, err
				}
				cleanProps[name] = clean
			}
			out[key] = cleanProps

		case "items":
			switch items := value.(type) {
			case map[string]any:
				clean, err := Sanitize(items)
				if err != nil {
					return nil, err
				}
				out[key] = clean
			case []any:
				cleanItems := make([]any, 0, len(items))
				for _, item := range items {
					itemMap, ok := item.(map[string]any)
					if !ok {
						return nil, fmt.Errorf("%w: items entry is %T, expected object", ErrSanitization, item)
					}
					clean, err := Sanitize(itemMap)
					if err != nil {
						return nil, err
					}
					cleanItems = append(cleanItems, clean)
				}
				out[key] = cleanItems
			default:
				return nil, fmt.Errorf("%w: items is %T, expected object or array", ErrSanitization, value)
			}

		default:
			out[key] = value
		}
	}

	return out, nil
}

// DescribeFields renders "name: description" lines for every described
// property of a definition, sorted by name, for embedding into prompts.
func DescribeFields(def map[string]any) []string {
	props, ok := def["properties"].(map[string]any)
	if !ok {
		return nil
	}

	var lines []string
	for name, sub := range props {
		subMap, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		desc, ok := subMap["description"].(string)
		if !ok || desc == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, desc))
	}
	sort.Strings(lines)
	return lines
}
