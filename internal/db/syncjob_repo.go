package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billcore/internal/types"
)

// syncJobColumns is the canonical select list for sync_jobs rows, matching
// the scan order in scanSyncJob.
const syncJobColumns = `id, job_type, after_ts, before_ts, started_at,
	finished_at, status, retried, failure_messages`

// SyncJobRepo provides data access for the sync_jobs table.
//
// Key invariant: ClaimForRetry flips retried from false to true inside the
// claiming statement. Because retried never resets, every failed job is
// retried at most once no matter how many sweepers race.
type SyncJobRepo struct {
	db DBTX
}

// NewSyncJobRepo creates a new SyncJobRepo backed by the given database
// connection (pool or transaction).
func NewSyncJobRepo(db DBTX) *SyncJobRepo {
	return &SyncJobRepo{db: db}
}

// Insert records a new pending job.
func (r *SyncJobRepo) Insert(ctx context.Context, job *types.SyncJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sync_jobs
		   (id, job_type, after_ts, before_ts, started_at, status, retried, failure_messages)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, '{}')`,
		job.ID, job.JobType, job.After, job.Before, job.StartedAt, types.JobPending,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert sync job", err)
	}
	return nil
}

// Get fetches a job by ID.
func (r *SyncJobRepo) Get(ctx context.Context, id string) (*types.SyncJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1`,
		id,
	)
	return scanSyncJob(row)
}

// Complete finalizes a pending job with a terminal status. failureMessage is
// appended to the job's failure list when non-empty. The WHERE clause
// restricts the transition to pending jobs so a late duplicate completion is
// a no-op.
func (r *SyncJobRepo) Complete(ctx context.Context, id string, status types.SyncJobStatus, failureMessage string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sync_jobs
		 SET status = $1,
		     finished_at = NOW(),
		     failure_messages = CASE WHEN $2 <> ''
		       THEN array_append(failure_messages, $2)
		       ELSE failure_messages END
		 WHERE id = $3
		   AND status = $4`,
		status, failureMessage, id, types.JobPending,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete sync job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSyncJob, "sync job not found or already finished", nil)
	}
	return nil
}

// FailStale marks pending jobs older than the cutoff as failed. Workers that
// died mid-job leave pending rows behind; the sweep turns them into failures
// so the retry pass can pick them up.
func (r *SyncJobRepo) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sync_jobs
		 SET status = $1,
		     finished_at = NOW(),
		     failure_messages = array_append(failure_messages, 'timed out')
		 WHERE status = $2
		   AND started_at < $3`,
		types.JobFailed, types.JobPending, cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to fail stale sync jobs", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimForRetry atomically marks up to limit failed, not-yet-retried jobs as
// retried and returns them. Marking happens inside the claiming statement, so
// concurrent sweepers partition the set and no job is claimed twice.
func (r *SyncJobRepo) ClaimForRetry(ctx context.Context, limit int) ([]types.SyncJob, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE sync_jobs
		 SET retried = TRUE
		 WHERE id IN (
		   SELECT id FROM sync_jobs
		   WHERE status = $1
		     AND retried = FALSE
		   ORDER BY started_at
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+syncJobColumns,
		types.JobFailed, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim sync jobs for retry", err)
	}
	defer rows.Close()

	var jobs []types.SyncJob
	for rows.Next() {
		job, err := scanSyncJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed sync job rows", err)
	}

	return jobs, nil
}

// LastSuccessful returns the most recently finished successful job of the
// given type, or nil if none exists. Used to derive retroactive sync windows.
func (r *SyncJobRepo) LastSuccessful(ctx context.Context, jobType types.SyncJobType) (*types.SyncJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+syncJobColumns+`
		 FROM sync_jobs
		 WHERE job_type = $1
		   AND status = $2
		 ORDER BY finished_at DESC
		 LIMIT 1`,
		jobType, types.JobSucceeded,
	)
	job, err := scanSyncJob(row)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSyncJob {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// scanSyncJob scans one sync job row in syncJobColumns order.
func scanSyncJob(row pgx.Row) (*types.SyncJob, error) {
	var j types.SyncJob
	err := row.Scan(
		&j.ID,
		&j.JobType,
		&j.After,
		&j.Before,
		&j.StartedAt,
		&j.FinishedAt,
		&j.Status,
		&j.Retried,
		&j.FailureMessages,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSyncJob, "sync job not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan sync job", err)
	}
	return &j, nil
}

// scanSyncJobFromRows scans the current row of a multi-row result set.
func scanSyncJobFromRows(rows pgx.Rows) (*types.SyncJob, error) {
	var j types.SyncJob
	err := rows.Scan(
		&j.ID,
		&j.JobType,
		&j.After,
		&j.Before,
		&j.StartedAt,
		&j.FinishedAt,
		&j.Status,
		&j.Retried,
		&j.FailureMessages,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan sync job row", err)
	}
	return &j, nil
}
