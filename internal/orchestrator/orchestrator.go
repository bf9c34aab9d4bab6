package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"
	"github.com/emergent-company/emergent.strategy-sub008/internal/util"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/ai"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/chunker"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/extract"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/ratelimit"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/resolve"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/schema"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultStaleAfter   = 15 * time.Minute
	defaultChunkSize    = 100000
	defaultChunkOverlap = 2000
)

// DocumentSource loads the raw text a job extracts from. Implementations
// live in internal/source.
type DocumentSource interface {
	LoadText(ctx context.Context, projectID, documentID string) (string, error)
}

// Orchestrator owns the job lifecycle: it claims pending jobs, drives the
// chunk-by-type extraction pipeline, keeps counters consistent, and
// finalizes terminal states. One shared rate limiter gates every model
// call across all concurrent jobs.
type Orchestrator struct {
	jobs     jobs.Store
	graph    graphstore.Store
	registry *schema.Registry
	model    ai.ModelClient
	limiter  *ratelimit.Limiter
	source   DocumentSource

	basePrompt   string
	workerID     string
	pollInterval time.Duration
	staleAfter   time.Duration
	maxWait      time.Duration
}

type NewOrchestratorParams struct {
	Jobs     jobs.Store
	Graph    graphstore.Store
	Registry *schema.Registry
	Model    ai.ModelClient
	Limiter  *ratelimit.Limiter
	Source   DocumentSource

	BasePrompt   string
	WorkerID     string
	PollInterval time.Duration
	StaleAfter   time.Duration

	// MaxWait bounds each unit's wait for rate-limiter capacity.
	MaxWait time.Duration
}

func NewOrchestrator(params NewOrchestratorParams) *Orchestrator {
	pollInterval := params.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	staleAfter := params.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	workerID := params.WorkerID
	if workerID == "" {
		workerID = "worker"
	}

	return &Orchestrator{
		jobs:         params.Jobs,
		graph:        params.Graph,
		registry:     params.Registry,
		model:        params.Model,
		limiter:      params.Limiter,
		source:       params.Source,
		basePrompt:   params.BasePrompt,
		workerID:     workerID,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
		maxWait:      params.MaxWait,
	}
}

// Run processes jobs with a bounded worker pool until the context is
// cancelled. A background loop requeues jobs abandoned by dead workers.
func (o *Orchestrator) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("%s-%d", o.workerID, i)
		group.Go(func() error {
			return o.workLoop(ctx, workerID)
		})
	}
	group.Go(func() error {
		return o.staleRecoveryLoop(ctx)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) workLoop(ctx context.Context, workerID string) error {
	for {
		claimed, err := o.RunOnce(ctx, workerID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			logger.Error("[Orchestrator] Job processing failed", "worker", workerID, "err", err)
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

func (o *Orchestrator) staleRecoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.staleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.jobs.RecoverStaleJobs(ctx, o.staleAfter); err != nil {
				logger.Warn("[Orchestrator] Stale job recovery failed", "err", err)
			}
		}
	}
}

// RunOnce claims and fully processes at most one job. It reports whether a
// job was claimed; the error covers processing, never the empty-queue case.
func (o *Orchestrator) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := o.jobs.ClaimNextJob(ctx, workerID)
	if err != nil {
		if errors.Is(err, jobs.ErrNoJobs) {
			return false, nil
		}
		return false, err
	}

	logger.Info("[Orchestrator] Processing job",
		"job_id", job.ID, "project_id", job.ProjectID, "document_id", job.DocumentID, "worker", workerID)

	if err := o.processJob(ctx, job); err != nil {
		return true, o.handleFailure(ctx, job.ID, err)
	}
	return true, nil
}

// handleFailure maps a processing error onto the job state machine:
// shutdown returns the job to pending untouched, recoverable causes burn
// one retry, everything else fails the job immediately.
func (o *Orchestrator) handleFailure(ctx context.Context, jobID string, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		// Worker shutdown is not the job's fault. Release the claim
		// outside the cancelled context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := o.jobs.TransitionJob(releaseCtx, jobID, jobs.StatusProcessing, jobs.StatusPending, ""); err != nil {
			logger.Warn("[Orchestrator] Failed to release job on shutdown", "job_id", jobID, "err", err)
		}
		return cause
	}

	if errors.Is(cause, ratelimit.ErrWaitTimeout) {
		job, err := o.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.RetryCount+1 > job.MaxRetries {
			logger.Warn("[Orchestrator] Retry budget exhausted", "job_id", jobID, "retries", job.RetryCount)
			_, err := o.jobs.TransitionJob(ctx, jobID, jobs.StatusProcessing, jobs.StatusFailed,
				fmt.Sprintf("retries exhausted: %v", cause))
			return err
		}
		logger.Info("[Orchestrator] Requeueing job after recoverable failure", "job_id", jobID, "err", cause)
		_, err = o.jobs.RequeueJob(ctx, jobID, cause.Error())
		return err
	}

	logger.Error("[Orchestrator] Job failed", "job_id", jobID, "err", cause)
	if err := o.jobs.AppendJobLog(ctx, jobID, "error", cause.Error()); err != nil {
		logger.Warn("[Orchestrator] Failed to append job log", "job_id", jobID, "err", err)
	}
	_, err := o.jobs.TransitionJob(ctx, jobID, jobs.StatusProcessing, jobs.StatusFailed, cause.Error())
	return err
}

func (o *Orchestrator) processJob(ctx context.Context, job *jobs.Job) error {
	cfg := job.Config

	text, err := o.source.LoadText(ctx, job.ProjectID, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}
	// Postgres rejects NUL bytes in text and jsonb values.
	text = util.SanitizePostgresText(text)

	types, err := o.registry.ResolveAllowed(job.EnabledTypes)
	if err != nil {
		return err
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunkOverlap := cfg.ChunkOverlap
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = defaultChunkOverlap
		if chunkOverlap >= chunkSize {
			chunkOverlap = chunkSize / 10
		}
	}

	chunks, err := chunker.Split(text, chunkSize, chunkOverlap)
	if err != nil {
		return err
	}

	total := len(chunks) * len(types)
	if _, err := o.jobs.SetJobTotal(ctx, job.ID, total); err != nil {
		return err
	}
	logger.Debug("[Orchestrator] Planned extraction units",
		"job_id", job.ID, "chunks", len(chunks), "types", len(types), "units", total)

	strategy, err := resolve.ParseStrategy(cfg.LinkingStrategy)
	if err != nil {
		return err
	}
	resolver := resolve.NewResolver(resolve.NewResolverParams{
		Store:    o.graph,
		Embedder: o.model,
		Strategy: strategy,
		Thresholds: resolve.Thresholds{
			Min:    cfg.ConfidenceMin,
			Review: cfg.ConfidenceReview,
			Auto:   cfg.ConfidenceAuto,
		},
		SimilarityThreshold: cfg.SimilarityThreshold,
		BranchID:            cfg.BranchID,
	})

	// Each unit hands the extractor exactly one chunk's text, so the
	// extractor's own splitter sees it as a single chunk.
	extractor := extract.NewExtractor(extract.NewExtractorParams{
		Model:        o.model,
		Limiter:      o.limiter,
		Registry:     o.registry,
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		MaxWait:      o.maxWait,
	})

	summary := &jobSummary{discoveredTypes: make(map[string]struct{})}

	for _, chunk := range chunks {
		for _, typ := range types {
			cancelled, err := o.jobCancelled(ctx, job.ID)
			if err != nil {
				return err
			}
			if cancelled {
				logger.Info("[Orchestrator] Job cancelled, stopping work loop",
					"job_id", job.ID, "chunk", chunk.Index, "type", typ.Name)
				return nil
			}

			unitErr := o.processUnit(ctx, job, resolver, extractor, chunk, typ.Name, summary)
			if errors.Is(unitErr, errJobCancelled) {
				logger.Info("[Orchestrator] Job cancelled mid-unit, discarding unit results",
					"job_id", job.ID, "chunk", chunk.Index, "type", typ.Name)
				return nil
			}
			if unitErr != nil && !isUnitError(unitErr) {
				return unitErr
			}

			delta := jobs.ProgressDelta{Processed: 1, Successful: 1}
			if unitErr != nil {
				delta = jobs.ProgressDelta{Processed: 1, Failed: 1}
				logger.Warn("[Orchestrator] Unit failed",
					"job_id", job.ID, "chunk", chunk.Index, "type", typ.Name, "err", unitErr)
			}
			if _, err := o.jobs.UpdateProgress(ctx, job.ID, delta); err != nil {
				return err
			}
		}
	}

	return o.finalize(ctx, job.ID, summary)
}

// jobSummary accumulates what a job discovered and created, recorded on
// the job's log at completion.
type jobSummary struct {
	discoveredTypes map[string]struct{}
	createdIDs      []string
}

func (s *jobSummary) record(typeName string, res *resolve.Resolution) {
	if res.Outcome == resolve.OutcomeRejected {
		return
	}
	s.discoveredTypes[typeName] = struct{}{}
	if res.Outcome == resolve.OutcomeCreated && res.Object != nil {
		s.createdIDs = append(s.createdIDs, res.Object.CanonicalID)
	}
}

func (s *jobSummary) message() string {
	types := make([]string, 0, len(s.discoveredTypes))
	for typ := range s.discoveredTypes {
		types = append(types, typ)
	}
	sort.Strings(types)
	return fmt.Sprintf("discovered types: [%s], created objects: [%s]",
		strings.Join(types, " "), strings.Join(s.createdIDs, " "))
}

// processUnit runs extract -> dedupe -> resolve for one chunk and one
// type. Errors that should only fail this unit are wrapped as unit errors;
// anything else aborts the job.
func (o *Orchestrator) processUnit(
	ctx context.Context,
	job *jobs.Job,
	resolver *resolve.Resolver,
	extractor *extract.Extractor,
	chunk chunker.Chunk,
	typeName string,
	summary *jobSummary,
) error {
	result, err := extractor.Extract(ctx, chunk.Text, o.basePrompt, []string{typeName})
	if err != nil {
		return err
	}

	// An in-flight model call is allowed to complete, but a cancel that
	// arrived while it ran discards this unit's results. Everything
	// committed by earlier units stays.
	cancelled, err := o.jobCancelled(ctx, job.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return errJobCancelled
	}

	for _, call := range result.Calls {
		if call.Status == extract.CallStatusFailed {
			return unitError{fmt.Errorf("extraction call failed: %s", call.Error)}
		}
	}

	entities := extract.Dedupe(result.Entities)
	for _, entity := range entities {
		resolution, err := resolver.Resolve(ctx, job.ProjectID, job.ID, entity)
		if err != nil {
			if errors.Is(err, ai.ErrProviderUnavailable) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// Persistent write conflicts and similar localized failures
			// cost the unit, not the job.
			return unitError{err}
		}
		if resolution.Outcome == resolve.OutcomeRejected {
			logger.Debug("[Orchestrator] Candidate rejected",
				"job_id", job.ID, "type", entity.TypeName, "name", entity.Name, "confidence", entity.Confidence)
		}
		summary.record(entity.TypeName, resolution)
	}
	return nil
}

func (o *Orchestrator) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	current, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return current.Status == jobs.StatusCancelled, nil
}

// finalize moves a fully processed job to completed, or to requires_review
// when any entity it authored still carries the review flag, and records
// what the job discovered on its log.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, summary *jobSummary) error {
	flagged, err := o.graph.HasNeedsReview(ctx, jobID)
	if err != nil {
		return err
	}

	target := jobs.StatusCompleted
	if flagged {
		target = jobs.StatusRequiresReview
	}
	if err := o.jobs.AppendJobLog(ctx, jobID, "info", summary.message()); err != nil {
		logger.Warn("[Orchestrator] Failed to append job summary", "job_id", jobID, "err", err)
	}
	_, err = o.jobs.TransitionJob(ctx, jobID, jobs.StatusProcessing, target, "")
	if errors.Is(err, jobs.ErrInvalidTransition) {
		// A cancel that landed after the last unit wins.
		if cancelled, checkErr := o.jobCancelled(ctx, jobID); checkErr == nil && cancelled {
			return nil
		}
	}
	if err != nil {
		return err
	}
	logger.Info("[Orchestrator] Job finalized", "job_id", jobID, "status", target)
	return nil
}

// errJobCancelled stops the work loop when a cancel arrived during the
// current unit.
var errJobCancelled = errors.New("job cancelled")

// unitError marks a failure scoped to one chunk-by-type unit.
type unitError struct{ err error }

func (u unitError) Error() string { return u.err.Error() }
func (u unitError) Unwrap() error { return u.err }

func isUnitError(err error) bool {
	var u unitError
	return errors.As(err, &u)
}
