package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job

	// now is swappable for stale-job tests.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// SetClock overrides the store's wall clock.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneJob(j *Job) *Job {
	out := *j
	out.EnabledTypes = append([]string(nil), j.EnabledTypes...)
	out.Logs = append([]LogEntry(nil), j.Logs...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (s *MemoryStore) CreateJob(_ context.Context, job *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneJob(job)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.JobType == "" {
		stored.JobType = JobTypeExtraction
	}
	stored.Status = StatusPending
	stored.CreatedAt = s.now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	if stored.MaxRetries == 0 && stored.Config.MaxRetries > 0 {
		stored.MaxRetries = stored.Config.MaxRetries
	}
	if stored.MaxRetries == 0 {
		stored.MaxRetries = DefaultMaxRetries
	}

	s.jobs[stored.ID] = stored
	return cloneJob(stored), nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ClaimNextJob(_ context.Context, workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := make(map[string]bool)
	for _, job := range s.jobs {
		if normalizeStatus(job.Status) == StatusProcessing {
			busy[job.ProjectID] = true
		}
	}

	var next *Job
	for _, job := range s.jobs {
		if job.Status != StatusPending || busy[job.ProjectID] {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) {
			next = job
		}
	}
	if next == nil {
		return nil, ErrNoJobs
	}

	now := s.now().UTC()
	next.Status = StatusProcessing
	next.ClaimedBy = workerID
	next.StartedAt = &now
	next.UpdatedAt = now
	return cloneJob(next), nil
}

func (s *MemoryStore) SetJobTotal(_ context.Context, id string, total int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if total < job.ProcessedItems {
		return nil, fmt.Errorf("%w: total %d < processed %d", ErrCounterInvariant, total, job.ProcessedItems)
	}
	job.TotalItems = total
	job.UpdatedAt = s.now().UTC()
	return cloneJob(job), nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, delta ProgressDelta) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Apply on a copy so an invariant violation leaves the row untouched.
	trial := *job
	if err := trial.ApplyProgress(delta); err != nil {
		return nil, err
	}

	job.ProcessedItems = trial.ProcessedItems
	job.SuccessfulItems = trial.SuccessfulItems
	job.FailedItems = trial.FailedItems
	job.UpdatedAt = s.now().UTC()
	return cloneJob(job), nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id string, from, to Status, errorMessage string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if normalizeStatus(job.Status) != normalizeStatus(from) {
		return nil, fmt.Errorf("%w: job is %s, not %s", ErrInvalidTransition, job.Status, from)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	s.applyTransition(job, to, errorMessage)
	return cloneJob(job), nil
}

func (s *MemoryStore) applyTransition(job *Job, to Status, errorMessage string) {
	now := s.now().UTC()
	job.Status = to
	job.UpdatedAt = now
	if errorMessage != "" {
		job.ErrorMessage = errorMessage
	}
	if to.Terminal() || to == StatusRequiresReview {
		job.CompletedAt = &now
	}
	if to == StatusPending {
		job.ClaimedBy = ""
		job.StartedAt = nil
		job.CompletedAt = nil
		// A re-claimed job re-runs every unit from the start, so stale
		// progress would overrun the total on the second pass.
		job.ProcessedItems = 0
		job.SuccessfulItems = 0
		job.FailedItems = 0
	}
}

func (s *MemoryStore) RequeueJob(_ context.Context, id string, cause string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if normalizeStatus(job.Status) != StatusProcessing {
		return nil, fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, job.Status)
	}

	job.RetryCount++
	job.AppendLog("warn", "requeued: "+cause)
	s.applyTransition(job, StatusPending, cause)
	return cloneJob(job), nil
}

func (s *MemoryStore) CancelJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, job.Status)
	}

	s.applyTransition(job, StatusCancelled, "")
	return cloneJob(job), nil
}

func (s *MemoryStore) AppendJobLog(_ context.Context, id, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Logs = append(job.Logs, LogEntry{Time: s.now().UTC(), Level: level, Message: message})
	return nil
}

func (s *MemoryStore) RecoverStaleJobs(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-olderThan)
	recovered := 0
	for _, job := range s.jobs {
		if normalizeStatus(job.Status) != StatusProcessing || !job.UpdatedAt.Before(cutoff) {
			continue
		}

		job.RetryCount++
		if job.RetriesExhausted() {
			job.AppendLog("error", "stale job abandoned: retry budget exhausted")
			s.applyTransition(job, StatusFailed, "worker lost: retry budget exhausted")
		} else {
			job.AppendLog("warn", "stale job requeued: worker lost")
			s.applyTransition(job, StatusPending, "")
		}
		recovered++
	}
	return recovered, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, projectID string, status Status, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.ProjectID != projectID {
			continue
		}
		if status != "" && normalizeStatus(job.Status) != normalizeStatus(status) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindByDocument(_ context.Context, documentID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.DocumentID != documentID {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ProjectJobStats(_ context.Context, projectID string) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := new(Stats)
	for _, job := range s.jobs {
		if job.ProjectID != projectID {
			continue
		}
		switch normalizeStatus(job.Status) {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusRequiresReview:
			stats.RequiresReview++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (s *MemoryStore) CancelPendingJobs(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, job := range s.jobs {
		if job.ProjectID != projectID || job.Status != StatusPending {
			continue
		}
		s.applyTransition(job, StatusCancelled, "")
		cancelled++
	}
	return cancelled, nil
}

func (s *MemoryStore) RetryFailedJobs(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	retried := 0
	for _, job := range s.jobs {
		if job.ProjectID != projectID || job.Status != StatusFailed {
			continue
		}
		job.RetryCount = 0
		job.ErrorMessage = ""
		job.AppendLog("info", "manually retried")
		s.applyTransition(job, StatusPending, "")
		retried++
	}
	return retried, nil
}

func (s *MemoryStore) DeleteCompleted(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if job.ProjectID != projectID || !job.Status.Terminal() {
			continue
		}
		delete(s.jobs, id)
		deleted++
	}
	return deleted, nil
}
