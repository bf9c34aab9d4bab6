package ai

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

type testPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  testPayload
	}{
		{
			name:  "standard json",
			input: `{"name": "alpha", "count": 2}`,
			want:  testPayload{Name: "alpha", Count: 2},
		},
		{
			name:  "double encoded",
			input: `"{\"name\": \"beta\", \"count\": 3}"`,
			want:  testPayload{Name: "beta", Count: 3},
		},
		{
			name:  "unquoted keys repaired",
			input: `{name: "gamma", count: 4}`,
			want:  testPayload{Name: "gamma", Count: 4},
		},
		{
			name:  "trailing comma repaired",
			input: `{"name": "delta", "count": 5,}`,
			want:  testPayload{Name: "delta", Count: 5},
		},
		{
			name:  "duplicate leading brace",
			input: `{{"name": "epsilon", "count": 6}`,
			want:  testPayload{Name: "epsilon", Count: 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got testPayload
			if err := UnmarshalFlexible(tt.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible returned error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUnmarshalFlexibleUnrecoverable(t *testing.T) {
	var got testPayload
	if err := UnmarshalFlexible("no json here at all {{{]", &got); err == nil {
		t.Error("expected error for unrecoverable input")
	}
}

func TestGenerateSchemaInlinesDefinitions(t *testing.T) {
	schema := GenerateSchema(&testPayload{})

	raw, err := json.Marshal(schema)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}

	// Strict structured output rejects $ref indirection, so the reflected
	// schema must be fully inlined.
	if strings.Contains(string(raw), "$ref") {
		t.Errorf("schema contains $ref: %s", raw)
	}
	for _, field := range []string{"name", "count"} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("schema missing property %q: %s", field, raw)
		}
	}
}
