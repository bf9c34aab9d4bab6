package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements jobs.Store on PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never block on or double
// claim the same row, plus a per-project advisory lock to keep two
// workers off the same project.
type Store struct {
	conn pgxIConn
}

func NewStoreWithConnection(conn pgxIConn) *Store {
	return &Store{conn: conn}
}

const checkViolation = "23514"

// mapCounterErr converts a violation of the counter check constraint into
// the invariant error callers expect.
func mapCounterErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == checkViolation {
		return fmt.Errorf("%w: %v", jobs.ErrCounterInvariant, err)
	}
	return err
}

const jobColumns = `
	id, tenant_id, organization_id, project_id, document_id, job_type,
	status, enabled_types, extraction_config, total_items, processed_items,
	successful_items, failed_items, retry_count, max_retries, error_message,
	claimed_by, logs, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.OrganizationID,
		&job.ProjectID,
		&job.DocumentID,
		&job.JobType,
		&job.Status,
		&job.EnabledTypes,
		&job.Config,
		&job.TotalItems,
		&job.ProcessedItems,
		&job.SuccessfulItems,
		&job.FailedItems,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ErrorMessage,
		&job.ClaimedBy,
		&job.Logs,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	maxRetries := job.MaxRetries
	if maxRetries == 0 && job.Config.MaxRetries > 0 {
		maxRetries = job.Config.MaxRetries
	}
	if maxRetries == 0 {
		maxRetries = jobs.DefaultMaxRetries
	}
	jobType := job.JobType
	if jobType == "" {
		jobType = jobs.JobTypeExtraction
	}

	row := s.conn.QueryRow(ctx, `
		INSERT INTO extraction_jobs (
			tenant_id, organization_id, project_id, document_id, job_type,
			status, enabled_types, extraction_config, total_items, max_retries
		)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9)
		RETURNING `+jobColumns,
		job.TenantID, job.OrganizationID, job.ProjectID, job.DocumentID,
		jobType, job.EnabledTypes, job.Config, job.TotalItems, maxRetries,
	)
	return scanJob(row)
}

func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM extraction_jobs
		WHERE id = $1`, id)
	return scanJob(row)
}

// ClaimNextJob claims the oldest pending job FIFO, skipping projects that
// already have a processing job. SKIP LOCKED keeps concurrent claimants
// from serializing on the same candidate row.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*jobs.Job, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, project_id
		FROM extraction_jobs j
		WHERE j.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM extraction_jobs p
			WHERE p.project_id = j.project_id
			  AND p.status IN ('processing', 'running')
		  )
		ORDER BY j.created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)

	var id, projectID string
	if err := row.Scan(&id, &projectID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNoJobs
		}
		return nil, err
	}

	// The NOT EXISTS filter only sees committed claims; a concurrent
	// claimant's uncommitted UPDATE is invisible under READ COMMITTED while
	// SKIP LOCKED steers this worker onto the project's next pending row.
	// Claimants of the same project serialize on a transaction-scoped
	// advisory lock, held until the winner's commit, and re-check
	// exclusivity after acquiring it.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('job-claim|' || $1)::bigint)`, projectID); err != nil {
		return nil, err
	}
	var busy bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM extraction_jobs
			WHERE project_id = $1 AND status IN ('processing', 'running')
		)`, projectID).Scan(&busy); err != nil {
		return nil, err
	}
	if busy {
		return nil, jobs.ErrNoJobs
	}

	claimed := tx.QueryRow(ctx, `
		UPDATE extraction_jobs
		SET status = 'processing', claimed_by = $2,
		    started_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns, id, workerID)

	job, err := scanJob(claimed)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	logger.Debug("[Jobs] Claimed job", "job_id", job.ID, "project_id", job.ProjectID, "worker", workerID)
	return job, nil
}

func (s *Store) SetJobTotal(ctx context.Context, id string, total int) (*jobs.Job, error) {
	row := s.conn.QueryRow(ctx, `
		UPDATE extraction_jobs
		SET total_items = $2, updated_at = now()
		WHERE id = $1 AND processed_items <= $2
		RETURNING `+jobColumns, id, total)

	job, err := scanJob(row)
	if errors.Is(err, jobs.ErrNotFound) {
		if _, getErr := s.GetJob(ctx, id); getErr == nil {
			return nil, fmt.Errorf("%w: total %d below processed count", jobs.ErrCounterInvariant, total)
		}
		return nil, jobs.ErrNotFound
	}
	return job, err
}

func (s *Store) UpdateProgress(ctx context.Context, id string, delta jobs.ProgressDelta) (*jobs.Job, error) {
	if delta.Processed < 0 || delta.Successful < 0 || delta.Failed < 0 {
		return nil, fmt.Errorf("%w: negative delta", jobs.ErrCounterInvariant)
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE extraction_jobs
		SET processed_items = processed_items + $2,
		    successful_items = successful_items + $3,
		    failed_items = failed_items + $4,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, delta.Processed, delta.Successful, delta.Failed)

	job, err := scanJob(row)
	if err != nil {
		return nil, mapCounterErr(err)
	}
	// Rolling back on violation keeps the stored counters consistent.
	if err := job.CheckCounters(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) TransitionJob(ctx context.Context, id string, from, to jobs.Status, errorMessage string) (*jobs.Job, error) {
	if !jobs.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", jobs.ErrInvalidTransition, from, to)
	}

	row := s.conn.QueryRow(ctx, `
		UPDATE extraction_jobs
		SET status = $3,
		    error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END,
		    completed_at = CASE
			WHEN $3 IN ('completed', 'requires_review', 'failed', 'cancelled') THEN now()
			WHEN $3 = 'pending' THEN NULL
			ELSE completed_at
		    END,
		    claimed_by = CASE WHEN $3 = 'pending' THEN '' ELSE claimed_by END,
		    started_at = CASE WHEN $3 = 'pending' THEN NULL ELSE started_at END,
		    processed_items = CASE WHEN $3 = 'pending' THEN 0 ELSE processed_items END,
		    successful_items = CASE WHEN $3 = 'pending' THEN 0 ELSE successful_items END,
		    failed_items = CASE WHEN $3 = 'pending' THEN 0 ELSE failed_items END,
		    updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		id, string(from), string(to), errorMessage)

	job, err := scanJob(row)
	if errors.Is(err, jobs.ErrNotFound) {
		// Row exists but the status no longer matches: surface a CAS miss.
		if _, getErr := s.GetJob(ctx, id); getErr == nil {
			return nil, fmt.Errorf("%w: status changed concurrently", jobs.ErrInvalidTransition)
		}
		return nil, jobs.ErrNotFound
	}
	return job, err
}

func (s *Store) RequeueJob(ctx context.Context, id string, cause string) (*jobs.Job, error) {
	row := s.conn.QueryRow(ctx, `
		UPDATE extraction_jobs
		SET status = 'pending', retry_count = retry_count + 1,
		    error_message = $2, claimed_by = '',
		    started_at = NULL, completed_at = NULL,
		    processed_items = 0, successful_items = 0, failed_items = 0,
		    logs = logs || jsonb_build_array(jsonb_build_object(
			'time', now(), 'level', 'warn', 'message', 'requeued: ' || $2)),
		    updated_at = now()
		WHERE id = $1 AND status IN ('processing', 'running')
		RETURNING `+jobColumns, id, cause)

	job, err := scanJob(row)
	if errors.Is(err, jobs.ErrNotFound) {
		if _, getErr := s.GetJob(ctx, id); getErr == nil {
			return nil, fmt.Errorf("%w: requeue of non-processing job", jobs.ErrInvalidTransition)
		}
		return nil, jobs.ErrNotFound
	}
	return job, err
}

func (s *Store) CancelJob(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.conn.QueryRow(ctx, `
		UPDATE extraction_jobs
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		RETURNING `+jobColumns, id)

	job, err := scanJob(row)
	if errors.Is(err, jobs.ErrNotFound) {
		if _, getErr := s.GetJob(ctx, id); getErr == nil {
			return nil, fmt.Errorf("%w: cancel of terminal job", jobs.ErrInvalidTransition)
		}
		return nil, jobs.ErrNotFound
	}
	return job, err
}

func (s *Store) AppendJobLog(ctx context.Context, id, level, message string) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE extraction_jobs
		SET logs = logs || jsonb_build_array(jsonb_build_object(
			'time', now(), 'level', $2::text, 'message', $3::text)),
		    updated_at = now()
		WHERE id = $1`, id, level, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// RecoverStaleJobs requeues processing jobs whose worker stopped updating
// them, failing jobs that have exhausted their retry budget.
func (s *Store) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.conn.Exec(ctx, `
		UPDATE extraction_jobs
		SET retry_count = retry_count + 1,
		    status = CASE
			WHEN retry_count + 1 > max_retries THEN 'failed'
			ELSE 'pending'
		    END,
		    error_message = CASE
			WHEN retry_count + 1 > max_retries THEN 'worker lost: retry budget exhausted'
			ELSE error_message
		    END,
		    claimed_by = '', started_at = NULL,
		    completed_at = CASE
			WHEN retry_count + 1 > max_retries THEN now()
			ELSE NULL
		    END,
		    processed_items = CASE WHEN retry_count + 1 > max_retries THEN processed_items ELSE 0 END,
		    successful_items = CASE WHEN retry_count + 1 > max_retries THEN successful_items ELSE 0 END,
		    failed_items = CASE WHEN retry_count + 1 > max_retries THEN failed_items ELSE 0 END,
		    updated_at = now()
		WHERE status IN ('processing', 'running')
		  AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", olderThan.Milliseconds()))
	if err != nil {
		return 0, err
	}

	recovered := int(tag.RowsAffected())
	if recovered > 0 {
		logger.Warn("[Jobs] Recovered stale jobs", "count", recovered, "older_than", olderThan)
	}
	return recovered, nil
}

func (s *Store) ListJobs(ctx context.Context, projectID string, status jobs.Status, limit int) ([]*jobs.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM extraction_jobs
		WHERE project_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`
	args := []any{projectID, string(status)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) FindByDocument(ctx context.Context, documentID string) ([]*jobs.Job, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+jobColumns+`
		FROM extraction_jobs
		WHERE document_id = $1
		ORDER BY created_at DESC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) ProjectJobStats(ctx context.Context, projectID string) (*jobs.Stats, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT status, count(*)
		FROM extraction_jobs
		WHERE project_id = $1
		GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := new(jobs.Stats)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch jobs.Status(status) {
		case jobs.StatusPending:
			stats.Pending = count
		case jobs.StatusProcessing, jobs.StatusRunning:
			stats.Processing += count
		case jobs.StatusCompleted:
			stats.Completed = count
		case jobs.StatusRequiresReview:
			stats.RequiresReview = count
		case jobs.StatusFailed:
			stats.Failed = count
		case jobs.StatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

func (s *Store) CancelPendingJobs(ctx context.Context, projectID string) (int, error) {
	tag, err := s.conn.Exec(ctx, `
		UPDATE extraction_jobs
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE project_id = $1 AND status = 'pending'`, projectID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) RetryFailedJobs(ctx context.Context, projectID string) (int, error) {
	tag, err := s.conn.Exec(ctx, `
		UPDATE extraction_jobs
		SET status = 'pending', retry_count = 0, error_message = '',
		    claimed_by = '', started_at = NULL, completed_at = NULL,
		    processed_items = 0, successful_items = 0, failed_items = 0,
		    updated_at = now()
		WHERE project_id = $1 AND status = 'failed'`, projectID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteCompleted(ctx context.Context, projectID string) (int, error) {
	tag, err := s.conn.Exec(ctx, `
		DELETE FROM extraction_jobs
		WHERE project_id = $1 AND status IN ('completed', 'failed', 'cancelled')`, projectID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
