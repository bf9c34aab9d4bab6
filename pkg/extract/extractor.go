package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emergent-company/emergent.strategy-sub008/internal/util"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/ai"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/chunker"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/ratelimit"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/schema"

	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultChunkSize    = 100000
	defaultChunkOverlap = 2000
	defaultConfidence   = 0.8
	defaultMaxWait      = 60 * time.Second

	// Reserved output budget added on top of the prompt's token estimate.
	outputTokenHeadroom = 500

	promptExcerptLen = 400
)

// modelEntity is the structured shape requested from the model for each
// extracted entity.
type modelEntity struct {
	Name        string         `json:"name" jsonschema_description:"Name of the entity exactly as it appears in the text"`
	Description string         `json:"description" jsonschema_description:"One-sentence description grounded in the passage"`
	BusinessKey string         `json:"business_key" jsonschema_description:"Stable identity hint for the entity, usually the name"`
	Confidence  float64        `json:"confidence" jsonschema_description:"Extraction confidence between 0.0 and 1.0"`
	Properties  map[string]any `json:"properties,omitempty" jsonschema_description:"Typed properties per the property schema"`
}

type modelEntityList struct {
	Entities []modelEntity `json:"entities"`
}

// Extractor runs the chunk-by-type extraction loop against one model
// backend, gated by the shared rate limiter.
type Extractor struct {
	model    ai.ModelClient
	limiter  *ratelimit.Limiter
	registry *schema.Registry

	chunkSize    int
	chunkOverlap int
	maxWait      time.Duration
}

type NewExtractorParams struct {
	Model    ai.ModelClient
	Limiter  *ratelimit.Limiter
	Registry *schema.Registry

	ChunkSize    int
	ChunkOverlap int
	MaxWait      time.Duration
}

func NewExtractor(params NewExtractorParams) *Extractor {
	chunkSize := params.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunkOverlap := params.ChunkOverlap
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = defaultChunkOverlap
		if chunkOverlap >= chunkSize {
			chunkOverlap = chunkSize / 10
		}
	}
	maxWait := params.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	return &Extractor{
		model:        params.Model,
		limiter:      params.Limiter,
		registry:     params.Registry,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		maxWait:      maxWait,
	}
}

// Extract splits documentText, then for every chunk and every allowed type
// issues one schema-constrained model call. An empty allow-list means every
// type in the registry. Failures of a single (chunk, type) pair are absorbed
// and logged; only provider unavailability, rate-limit timeout, and
// cancellation abort the pass.
func (e *Extractor) Extract(
	ctx context.Context,
	documentText string,
	basePrompt string,
	allowedTypes []string,
) (*ExtractionResult, error) {
	types, err := e.registry.ResolveAllowed(allowedTypes)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return &ExtractionResult{}, nil
	}

	chunks, err := chunker.Split(documentText, e.chunkSize, e.chunkOverlap)
	if err != nil {
		return nil, err
	}

	result := &ExtractionResult{}
	discovered := make(map[string]bool)

	logger.Debug("[Extract] Starting pass",
		"chunks", len(chunks), "types", len(types))

	for _, chunk := range chunks {
		for _, typeDef := range types {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			entities, debug, err := e.extractPair(ctx, chunk, typeDef, basePrompt)
			result.Calls = append(result.Calls, debug)
			if err != nil {
				// Only pass-fatal errors propagate out of extractPair.
				return nil, err
			}

			if len(entities) > 0 {
				discovered[typeDef.Name] = true
				result.Entities = append(result.Entities, entities...)
			}
		}
	}

	for name := range discovered {
		result.DiscoveredTypes = append(result.DiscoveredTypes, name)
	}
	sort.Strings(result.DiscoveredTypes)

	logger.Debug("[Extract] Pass complete",
		"entities", len(result.Entities),
		"discovered_types", len(result.DiscoveredTypes),
		"calls", len(result.Calls))

	return result, nil
}

// extractPair handles one (chunk, type) unit. The returned error is non-nil
// only for conditions that abort the whole pass; per-pair failures come back
// as a failed debug entry with no entities.
func (e *Extractor) extractPair(
	ctx context.Context,
	chunk chunker.Chunk,
	typeDef schema.TypeSchema,
	basePrompt string,
) ([]ExtractedEntity, CallDebug, error) {
	debug := CallDebug{
		ChunkID:    chunk.ID,
		ChunkIndex: chunk.Index,
		TypeName:   typeDef.Name,
	}

	sanitized, err := schema.Sanitize(typeDef.Definition)
	if err != nil {
		logger.Warn("[Extract] Schema sanitization failed, skipping type for chunk",
			"type", typeDef.Name, "chunk", chunk.Index, "err", err)
		debug.Status = CallStatusSkipped
		debug.Error = err.Error()
		return nil, debug, nil
	}

	prompt := buildTypePrompt(basePrompt, typeDef, sanitized, chunk.Text)
	debug.PromptExcerpt = util.Truncate(prompt, promptExcerptLen)

	estimated := estimateTokens(prompt)
	debug.EstimatedTokens = estimated

	if err := e.limiter.WaitForCapacity(ctx, estimated, e.maxWait); err != nil {
		debug.Status = CallStatusFailed
		debug.Error = err.Error()
		return nil, debug, fmt.Errorf("rate limit wait for %s chunk %d: %w", typeDef.Name, chunk.Index, err)
	}

	before := e.model.GetMetrics().TotalTokens

	var out modelEntityList
	start := time.Now()
	callErr := e.model.GenerateCompletionWithFormat(
		ctx,
		strings.ToLower(typeDef.Name)+"_extraction",
		"Entities of type "+typeDef.Name+" extracted from a text passage",
		prompt,
		&out,
	)
	debug.DurationMs = time.Since(start).Milliseconds()

	actual := e.model.GetMetrics().TotalTokens - before
	if actual > 0 {
		debug.ActualTokens = actual
		e.limiter.ReportActualUsage(estimated, actual)
	}

	if callErr != nil {
		debug.Status = CallStatusFailed
		debug.Error = callErr.Error()

		if errors.Is(callErr, ai.ErrProviderUnavailable) {
			return nil, debug, callErr
		}
		if errors.Is(callErr, context.Canceled) {
			return nil, debug, callErr
		}

		// Malformed output or a request-level rejection affects this pair
		// only.
		logger.Warn("[Extract] Model call failed for pair",
			"type", typeDef.Name, "chunk", chunk.Index, "err", callErr)
		return nil, debug, nil
	}

	entities := make([]ExtractedEntity, 0, len(out.Entities))
	for _, raw := range out.Entities {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			continue
		}

		confidence := raw.Confidence
		if confidence <= 0 {
			confidence = defaultConfidence
		}
		if confidence > 1 {
			confidence = 1
		}

		businessKey := strings.TrimSpace(raw.BusinessKey)
		if businessKey == "" {
			businessKey = name
		}

		entities = append(entities, ExtractedEntity{
			TypeName:    typeDef.Name,
			Name:        name,
			Description: raw.Description,
			BusinessKey: businessKey,
			Properties:  raw.Properties,
			Confidence:  confidence,
		})
	}

	debug.Status = CallStatusOK
	debug.EntityCount = len(entities)
	return entities, debug, nil
}

// estimateTokens sizes a prompt for rate limiting, with fixed headroom for
// the response. Falls back to a bytes-per-token heuristic when the encoder
// is unavailable.
func estimateTokens(text string) int {
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return len(text)/4 + outputTokenHeadroom
	}
	return len(enc.Encode(text, nil, nil)) + outputTokenHeadroom
}
