package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/emergent-company/emergent.strategy-sub008/pkg/schema"
)

const defaultBasePrompt = `You are an information extraction assistant. You read a passage of text and extract every entity of one specific type, with structured properties.

Rules:
- Extract only entities of the requested type. Ignore everything else.
- Use the exact wording of the text for names where possible.
- Fill properties only when the text supports them. Never invent values.
- Assign a confidence between 0.0 and 1.0 reflecting how certain the text is about the entity.`

// buildTypePrompt assembles the full prompt for one (chunk, type) call:
// base instructions, the type's description and field documentation, any
// worked examples from the schema source, the sanitized structural schema,
// and finally the passage itself.
func buildTypePrompt(basePrompt string, def schema.TypeSchema, sanitized map[string]any, chunkText string) string {
	if strings.TrimSpace(basePrompt) == "" {
		basePrompt = defaultBasePrompt
	}

	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n# Entity Type\n")
	b.WriteString(def.Name)
	if def.Description != "" {
		b.WriteString(": ")
		b.WriteString(def.Description)
	}
	b.WriteString("\n")

	if fields := schema.DescribeFields(sanitized); len(fields) > 0 {
		b.WriteString("\n# Fields\n")
		for _, line := range fields {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if len(def.Examples) > 0 {
		b.WriteString("\n# Examples\n")
		for _, example := range def.Examples {
			raw, err := json.Marshal(example)
			if err != nil {
				continue
			}
			b.WriteString(string(raw))
			b.WriteString("\n")
		}
	}

	if raw, err := json.Marshal(sanitized); err == nil {
		b.WriteString("\n# Property Schema\n")
		b.WriteString(string(raw))
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n# Passage\n%s\n", chunkText))
	return b.String()
}
