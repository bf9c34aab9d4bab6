package jobs

import (
	"context"
	"time"
)

// Store persists extraction jobs. Only the orchestrator mutates claimed
// jobs; triggers create pending rows and operators cancel or retry.
type Store interface {
	// CreateJob inserts a pending job, assigning ID and timestamps.
	CreateJob(ctx context.Context, job *Job) (*Job, error)

	// GetJob returns the current job row.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ClaimNextJob atomically claims the oldest pending job whose project
	// has no other job currently processing. Returns ErrNoJobs when
	// nothing is claimable.
	ClaimNextJob(ctx context.Context, workerID string) (*Job, error)

	// SetJobTotal records the planned unit count once the claimed
	// document has been chunked.
	SetJobTotal(ctx context.Context, id string, total int) (*Job, error)

	// UpdateProgress applies a counter delta, enforcing the counter
	// invariants in the same transaction.
	UpdateProgress(ctx context.Context, id string, delta ProgressDelta) (*Job, error)

	// TransitionJob moves the job from one status to another with
	// compare-and-set semantics: fails with ErrInvalidTransition when the
	// stored status no longer matches from or the step is illegal.
	TransitionJob(ctx context.Context, id string, from, to Status, errorMessage string) (*Job, error)

	// RequeueJob returns a processing job to pending with an incremented
	// retry count, recording the recoverable cause.
	RequeueJob(ctx context.Context, id string, cause string) (*Job, error)

	// CancelJob cancels a non-terminal job. Processing jobs are marked
	// cancelled immediately; the work loop observes the status between
	// units and stops.
	CancelJob(ctx context.Context, id string) (*Job, error)

	// AppendJobLog attaches a structured log line to the job row.
	AppendJobLog(ctx context.Context, id, level, message string) error

	// RecoverStaleJobs requeues processing jobs whose last update is older
	// than the threshold, failing those with an exhausted retry budget.
	// Returns the number of jobs touched.
	RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error)

	// ListJobs returns a project's jobs, newest first, optionally filtered
	// by status. A limit of 0 means no limit.
	ListJobs(ctx context.Context, projectID string, status Status, limit int) ([]*Job, error)

	// FindByDocument returns every job referencing a document, newest
	// first.
	FindByDocument(ctx context.Context, documentID string) ([]*Job, error)

	// ProjectJobStats counts a project's jobs per status.
	ProjectJobStats(ctx context.Context, projectID string) (*Stats, error)

	// CancelPendingJobs cancels every pending job of a project.
	CancelPendingJobs(ctx context.Context, projectID string) (int, error)

	// RetryFailedJobs requeues every failed job of a project with a reset
	// retry budget.
	RetryFailedJobs(ctx context.Context, projectID string) (int, error)

	// DeleteCompleted purges a project's terminal jobs (completed, failed,
	// cancelled), returning the number removed.
	DeleteCompleted(ctx context.Context, projectID string) (int, error)
}
