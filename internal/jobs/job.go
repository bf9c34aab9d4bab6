package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an extraction job.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusRequiresReview Status = "requires_review"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"

	// StatusRunning is accepted as a legacy alias for processing when jobs
	// are enqueued by older triggers.
	StatusRunning Status = "running"
)

const JobTypeExtraction = "extraction"

// DefaultMaxRetries matches the max_retries column default, so jobs created
// through either store get the same retry budget.
const DefaultMaxRetries = 3

var (
	ErrNotFound          = errors.New("jobs: job not found")
	ErrNoJobs            = errors.New("jobs: no claimable jobs")
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
	ErrCounterInvariant  = errors.New("jobs: progress counters violate invariant")
)

// Config is the per-job extraction configuration carried in the job row.
// Zero values fall back to component defaults at claim time.
type Config struct {
	ChunkSize           int     `json:"chunk_size,omitempty"`
	ChunkOverlap        int     `json:"chunk_overlap,omitempty"`
	RPMLimit            int     `json:"rpm_limit,omitempty"`
	TPMLimit            int     `json:"tpm_limit,omitempty"`
	LinkingStrategy     string  `json:"linking_strategy,omitempty"`
	ConfidenceMin       float64 `json:"confidence_min,omitempty"`
	ConfidenceReview    float64 `json:"confidence_review,omitempty"`
	ConfidenceAuto      float64 `json:"confidence_auto,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	MaxRetries          int     `json:"max_retries,omitempty"`
	BranchID            string  `json:"branch_id,omitempty"`
}

// LogEntry is one structured log line attached to a job.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Job is one unit of extraction work over a single document.
type Job struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	OrganizationID string `json:"organization_id"`
	ProjectID      string `json:"project_id"`
	DocumentID     string `json:"document_id"`
	JobType        string `json:"job_type"`

	Status       Status   `json:"status"`
	EnabledTypes []string `json:"enabled_types"`
	Config       Config   `json:"extraction_config"`

	TotalItems      int `json:"total_items"`
	ProcessedItems  int `json:"processed_items"`
	SuccessfulItems int `json:"successful_items"`
	FailedItems     int `json:"failed_items"`

	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	Logs         []LogEntry `json:"logs,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can receive no further worker activity.
// requires_review is semi-terminal: the worker is done but a human is not.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func normalizeStatus(s Status) Status {
	if s == StatusRunning {
		return StatusProcessing
	}
	return s
}

var allowedTransitions = map[Status][]Status{
	StatusPending:        {StatusProcessing, StatusCancelled},
	StatusProcessing:     {StatusCompleted, StatusRequiresReview, StatusFailed, StatusCancelled, StatusPending},
	StatusFailed:         {StatusPending},
	StatusRequiresReview: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	from = normalizeStatus(from)
	to = normalizeStatus(to)
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProgressDelta is applied to a job's counters after one chunk-by-type unit.
type ProgressDelta struct {
	Processed  int
	Successful int
	Failed     int
}

// ApplyProgress mutates the counters and enforces the counter invariants.
// Deltas are never negative: processed items only move forward.
func (j *Job) ApplyProgress(delta ProgressDelta) error {
	if delta.Processed < 0 || delta.Successful < 0 || delta.Failed < 0 {
		return fmt.Errorf("%w: negative delta", ErrCounterInvariant)
	}
	j.ProcessedItems += delta.Processed
	j.SuccessfulItems += delta.Successful
	j.FailedItems += delta.Failed
	return j.CheckCounters()
}

// CheckCounters validates processed ≤ total and successful + failed ≤ processed.
func (j *Job) CheckCounters() error {
	if j.ProcessedItems > j.TotalItems {
		return fmt.Errorf("%w: processed %d > total %d", ErrCounterInvariant, j.ProcessedItems, j.TotalItems)
	}
	if j.SuccessfulItems+j.FailedItems > j.ProcessedItems {
		return fmt.Errorf("%w: successful %d + failed %d > processed %d",
			ErrCounterInvariant, j.SuccessfulItems, j.FailedItems, j.ProcessedItems)
	}
	return nil
}

// RetriesExhausted reports whether another recoverable failure may requeue
// the job or must fail it.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount > j.MaxRetries
}

// AppendLog attaches one structured log line to the job.
func (j *Job) AppendLog(level, message string) {
	j.Logs = append(j.Logs, LogEntry{Time: time.Now().UTC(), Level: level, Message: message})
}

// Stats aggregates job states for one project.
type Stats struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	Completed      int `json:"completed"`
	RequiresReview int `json:"requires_review"`
	Failed         int `json:"failed"`
	Cancelled      int `json:"cancelled"`
}
