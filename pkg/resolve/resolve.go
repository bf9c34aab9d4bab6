package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/emergent-company/emergent.strategy-sub008/pkg/extract"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"
)

// Strategy selects how accepted candidates link onto existing canonical
// entities.
type Strategy string

const (
	StrategyAlwaysNew        Strategy = "always_new"
	StrategyKeyMatch         Strategy = "key_match"
	StrategyVectorSimilarity Strategy = "vector_similarity"
	StrategyUserReview       Strategy = "user_review"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyAlwaysNew, StrategyKeyMatch, StrategyVectorSimilarity, StrategyUserReview:
		return Strategy(name), nil
	case "":
		return StrategyAlwaysNew, nil
	}
	return "", fmt.Errorf("resolve: unknown linking strategy %q", name)
}

// Thresholds is the confidence gate. Candidates below Min are rejected
// outright; candidates below Auto persist flagged for review; Review sits
// between the two and marks the band where even strategy-level auto-linking
// is not trusted.
type Thresholds struct {
	Min    float64
	Review float64
	Auto   float64
}

// DefaultThresholds mirror the usual project configuration.
var DefaultThresholds = Thresholds{Min: 0.6, Review: 0.75, Auto: 0.9}

// Outcome describes what Resolve decided for one candidate.
type Outcome string

const (
	OutcomeRejected   Outcome = "rejected"
	OutcomeCreated    Outcome = "created"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeUnchanged  Outcome = "unchanged"
)

// Resolution is the result of resolving one candidate. Object is nil only
// for rejections.
type Resolution struct {
	Outcome     Outcome
	Object      *graphstore.GraphObject
	NeedsReview bool
}

// Embedder supplies vectors for the similarity linking strategy.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
}

// Resolver maps deduplicated candidates onto canonical graph identities.
type Resolver struct {
	store    graphstore.Store
	embedder Embedder

	strategy            Strategy
	thresholds          Thresholds
	similarityThreshold float64
	branchID            string
}

type NewResolverParams struct {
	Store    graphstore.Store
	Embedder Embedder

	Strategy            Strategy
	Thresholds          Thresholds
	SimilarityThreshold float64
	BranchID            string
}

func NewResolver(params NewResolverParams) *Resolver {
	thresholds := params.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds
	}
	similarity := params.SimilarityThreshold
	if similarity <= 0 {
		similarity = 0.85
	}
	strategy := params.Strategy
	if strategy == "" {
		strategy = StrategyAlwaysNew
	}

	return &Resolver{
		store:               params.Store,
		embedder:            params.Embedder,
		strategy:            strategy,
		thresholds:          thresholds,
		similarityThreshold: similarity,
		branchID:            params.BranchID,
	}
}

// Resolve applies confidence gating and the configured linking strategy to
// one candidate. Rejection is a normal outcome, not an error. A version
// conflict against a concurrently superseded live version is retried once
// against the new live version; a second conflict fails the unit.
func (r *Resolver) Resolve(
	ctx context.Context,
	projectID string,
	jobID string,
	candidate extract.ExtractedEntity,
) (*Resolution, error) {
	confidence := candidate.Confidence

	if confidence < r.thresholds.Min {
		logger.Debug("[Resolve] Candidate rejected below confidence floor",
			"type", candidate.TypeName, "name", candidate.Name, "confidence", confidence)
		return &Resolution{Outcome: OutcomeRejected}, nil
	}

	needsReview := confidence < r.thresholds.Auto
	if r.strategy == StrategyUserReview {
		needsReview = true
	}

	prov := graphstore.Provenance{
		ExtractionJobID:      jobID,
		ExtractionConfidence: confidence,
		NeedsReview:          needsReview,
	}

	write := graphstore.ObjectWrite{
		ProjectID:  projectID,
		BranchID:   r.branchID,
		Type:       candidate.TypeName,
		Key:        candidate.BusinessKey,
		Properties: candidateProperties(candidate),
		Provenance: prov,
	}

	switch r.strategy {
	case StrategyAlwaysNew, StrategyUserReview:
		// user_review defers the link decision to a human: the candidate
		// lands as its own flagged entity and merging happens in review.

	case StrategyKeyMatch:
		match, err := r.store.FindLiveObjectByKey(ctx, projectID, r.branchID, candidate.TypeName, candidate.BusinessKey)
		if err != nil && !errors.Is(err, graphstore.ErrNotFound) {
			return nil, err
		}
		if match != nil {
			write.CanonicalID = match.CanonicalID
			write.ExpectedVersion = match.Version
		}

	case StrategyVectorSimilarity:
		embedding, err := r.embedder.GenerateEmbedding(ctx, []byte(embeddingText(candidate)))
		if err != nil {
			return nil, err
		}
		write.Embedding = embedding

		matches, err := r.store.NearestObjects(ctx, projectID, r.branchID, candidate.TypeName, embedding, 1)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 && matches[0].Similarity >= r.similarityThreshold {
			write.CanonicalID = matches[0].Object.CanonicalID
			write.ExpectedVersion = matches[0].Object.Version
		}

	default:
		return nil, fmt.Errorf("resolve: unknown linking strategy %q", r.strategy)
	}

	obj, err := r.store.WriteObject(ctx, write)
	if errors.Is(err, graphstore.ErrVersionConflict) {
		obj, write, err = r.retryAfterConflict(ctx, projectID, write)
	}
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Outcome:     outcomeFor(write, obj),
		Object:      obj,
		NeedsReview: needsReview,
	}, nil
}

// retryAfterConflict re-reads the now-current live version and retries the
// write exactly once against it. The applied write is returned so the caller
// judges the outcome against the version the retry actually targeted.
func (r *Resolver) retryAfterConflict(
	ctx context.Context,
	projectID string,
	write graphstore.ObjectWrite,
) (*graphstore.GraphObject, graphstore.ObjectWrite, error) {
	logger.Debug("[Resolve] Version conflict, retrying against current live version",
		"type", write.Type, "canonical", write.CanonicalID)

	live, err := r.store.GetLiveObject(ctx, projectID, r.branchID, write.CanonicalID)
	if err != nil {
		return nil, write, err
	}

	write.ExpectedVersion = live.Version
	obj, err := r.store.WriteObject(ctx, write)
	if errors.Is(err, graphstore.ErrVersionConflict) {
		// Second collision: fail the unit rather than loop.
		return nil, write, fmt.Errorf("resolve %s %q: %w", write.Type, write.Key, err)
	}
	return obj, write, err
}

func outcomeFor(write graphstore.ObjectWrite, obj *graphstore.GraphObject) Outcome {
	if write.CanonicalID == "" {
		return OutcomeCreated
	}
	if write.ExpectedVersion > 0 && obj.Version == write.ExpectedVersion {
		return OutcomeUnchanged
	}
	return OutcomeSuperseded
}

func candidateProperties(candidate extract.ExtractedEntity) map[string]any {
	props := make(map[string]any, len(candidate.Properties)+2)
	for k, v := range candidate.Properties {
		props[k] = v
	}
	if _, ok := props["name"]; !ok {
		props["name"] = candidate.Name
	}
	if candidate.Description != "" {
		if _, ok := props["description"]; !ok {
			props["description"] = candidate.Description
		}
	}
	return props
}

func embeddingText(candidate extract.ExtractedEntity) string {
	if candidate.Description == "" {
		return candidate.Name
	}
	return candidate.Name + ": " + candidate.Description
}
