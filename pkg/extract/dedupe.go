package extract

import "strings"

// Dedupe collapses candidates that share a type and a case-insensitive
// normalized name, keeping the highest-confidence entity of each group.
// Ties keep the first seen. Entities of different types never merge. Pure
// and deterministic: output order follows first appearance.
func Dedupe(entities []ExtractedEntity) []ExtractedEntity {
	if len(entities) == 0 {
		return entities
	}

	type slot struct {
		index  int
		entity ExtractedEntity
	}

	byKey := make(map[string]*slot, len(entities))
	order := make([]string, 0, len(entities))

	for _, entity := range entities {
		key := dedupeKey(entity)
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = &slot{index: len(order), entity: entity}
			order = append(order, key)
			continue
		}
		if entity.Confidence > existing.entity.Confidence {
			existing.entity = entity
		}
	}

	out := make([]ExtractedEntity, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key].entity)
	}
	return out
}

func dedupeKey(entity ExtractedEntity) string {
	name := strings.Join(strings.Fields(strings.ToUpper(entity.Name)), " ")
	return strings.ToUpper(entity.TypeName) + "|" + name
}
