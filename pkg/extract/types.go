package extract

// ExtractedEntity is one candidate entity produced by the model for a
// (chunk, type) pair. It is transient: the deduplicator and resolver decide
// whether it becomes a graph version.
type ExtractedEntity struct {
	TypeName    string         `json:"type_name"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	BusinessKey string         `json:"business_key"`
	Properties  map[string]any `json:"properties"`
	Confidence  float64        `json:"confidence"`
}

// CallDebug records one attempted model call. Every (chunk, type) attempt
// produces an entry, success or failure, with the prompt excerpt truncated
// for storage.
type CallDebug struct {
	ChunkID         string `json:"chunk_id"`
	ChunkIndex      int    `json:"chunk_index"`
	TypeName        string `json:"type_name"`
	Status          string `json:"status"` // "ok", "failed", "skipped"
	Error           string `json:"error,omitempty"`
	PromptExcerpt   string `json:"prompt_excerpt"`
	DurationMs      int64  `json:"duration_ms"`
	EntityCount     int    `json:"entity_count"`
	EstimatedTokens int    `json:"estimated_tokens"`
	ActualTokens    int    `json:"actual_tokens"`
}

const (
	CallStatusOK      = "ok"
	CallStatusFailed  = "failed"
	CallStatusSkipped = "skipped"
)

// ExtractionResult aggregates one full document pass: the accepted entities
// across every chunk and type, which types produced at least one entity,
// and the per-call debug trail.
type ExtractionResult struct {
	Entities        []ExtractedEntity `json:"entities"`
	DiscoveredTypes []string          `json:"discovered_types"`
	Calls           []CallDebug       `json:"calls"`
}
