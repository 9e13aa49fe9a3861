// Package syncjobs tracks asynchronous reconciliation work between the local
// usage records and the external contact store. Every dispatched task has a
// tracking row; failed rows get exactly one automatic retry.
package syncjobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billcore/internal/types"
)

// JobStore is the persistence surface for sync job tracking rows.
// Implemented by db.SyncJobRepo.
type JobStore interface {
	Insert(ctx context.Context, job *types.SyncJob) error
	Get(ctx context.Context, id string) (*types.SyncJob, error)
	Complete(ctx context.Context, id string, status types.SyncJobStatus, failureMessage string) error
	FailStale(ctx context.Context, cutoff time.Time) (int64, error)
	ClaimForRetry(ctx context.Context, limit int) ([]types.SyncJob, error)
	LastSuccessful(ctx context.Context, jobType types.SyncJobType) (*types.SyncJob, error)
}

// TaskDispatcher enqueues work for the background workers.
// Implemented by queue.Dispatcher.
type TaskDispatcher interface {
	DispatchSyncContacts(ctx context.Context, syncJobID string, w types.Window) error
	DispatchCountContacts(ctx context.Context, syncJobID, projectID string, day time.Time) error
	DispatchRetroactiveSync(ctx context.Context, syncJobID, projectID string, w types.Window) error
}

// ManagerConfig holds the manager's tunables.
type ManagerConfig struct {
	// StaleJobAge is how long a job may sit pending before the retry sweep
	// declares its worker dead and fails it.
	StaleJobAge time.Duration
	// RetroactiveLookback is the window length used when no prior successful
	// sync exists to anchor a retroactive window.
	RetroactiveLookback time.Duration
	// BatchSize caps how many failed jobs one retry pass claims.
	BatchSize int
}

// Manager creates, completes, and retries sync jobs. Each Start method writes
// the tracking row before dispatching, so an observed task always has a row;
// if the dispatch itself fails the row is immediately finalized as failed.
type Manager struct {
	jobs       JobStore
	dispatcher TaskDispatcher
	clock      types.Clock
	logger     *slog.Logger
	cfg        ManagerConfig
}

// NewManager creates a sync job manager.
func NewManager(jobs JobStore, dispatcher TaskDispatcher, clock types.Clock, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleJobAge <= 0 {
		cfg.StaleJobAge = 2 * time.Hour
	}
	if cfg.RetroactiveLookback <= 0 {
		cfg.RetroactiveLookback = 3 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Manager{
		jobs:       jobs,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// StartContactSync records and dispatches a full contact reconciliation over
// the window.
func (m *Manager) StartContactSync(ctx context.Context, w types.Window) (*types.SyncJob, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	job := m.newJob(types.JobSyncContacts, w)
	if err := m.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}

	if err := m.dispatcher.DispatchSyncContacts(ctx, job.ID, w); err != nil {
		m.failDispatch(ctx, job, err)
		return nil, err
	}

	return job, nil
}

// StartContactCount records and dispatches a recount for one project and day.
func (m *Manager) StartContactCount(ctx context.Context, projectID string, dayStart time.Time) (*types.SyncJob, error) {
	w := types.Window{After: dayStart, Before: dayStart.Add(24 * time.Hour)}

	job := m.newJob(types.JobCountContacts, w)
	if err := m.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}

	if err := m.dispatcher.DispatchCountContacts(ctx, job.ID, projectID, dayStart); err != nil {
		m.failDispatch(ctx, job, err)
		return nil, err
	}

	return job, nil
}

// StartRetroactiveSync records and dispatches a historical backfill for one
// project. The window is anchored to the last successful full sync: it starts
// at that sync's upper bound and extends by the configured lookback. When no
// successful sync exists, the window is the lookback interval ending now.
func (m *Manager) StartRetroactiveSync(ctx context.Context, projectID string) (*types.SyncJob, error) {
	var w types.Window

	last, err := m.jobs.LastSuccessful(ctx, types.JobSyncContacts)
	if err != nil {
		return nil, err
	}
	if last != nil {
		w = types.Window{After: last.Before, Before: last.Before.Add(m.cfg.RetroactiveLookback)}
	} else {
		now := m.clock.Now()
		w = types.Window{After: now.Add(-m.cfg.RetroactiveLookback), Before: now}
	}

	job := m.newJob(types.JobRetroactiveSync, w)
	if err := m.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}

	if err := m.dispatcher.DispatchRetroactiveSync(ctx, job.ID, projectID, w); err != nil {
		m.failDispatch(ctx, job, err)
		return nil, err
	}

	return job, nil
}

// CompleteJob finalizes a pending job.
func (m *Manager) CompleteJob(ctx context.Context, jobID string, success bool, failureMessage string) error {
	status := types.JobSucceeded
	if !success {
		status = types.JobFailed
	}
	return m.jobs.Complete(ctx, jobID, status, failureMessage)
}

// RetryFailed is the periodic retry pass. It first fails pending jobs older
// than StaleJobAge (their workers are presumed dead), then atomically claims
// failed, not-yet-retried jobs. Every claimed job is marked retried, but only
// full contact syncs are re-dispatched: count and retroactive jobs are
// re-derived from fresh state by their own schedules, so re-running a stale
// one would write outdated counts. Returns the number of jobs re-dispatched.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().Add(-m.cfg.StaleJobAge)
	stale, err := m.jobs.FailStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if stale > 0 {
		m.logger.InfoContext(ctx, "stale sync jobs failed",
			slog.Int64("count", stale),
		)
	}

	claimed, err := m.jobs.ClaimForRetry(ctx, m.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	redispatched := 0
	for _, job := range claimed {
		if job.JobType != types.JobSyncContacts {
			continue
		}
		if _, err := m.StartContactSync(ctx, job.Window()); err != nil {
			m.logger.ErrorContext(ctx, "sync job retry dispatch failed",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		redispatched++

		m.logger.InfoContext(ctx, "failed sync job retried",
			slog.String("job_id", job.ID),
			slog.Time("after", job.After),
			slog.Time("before", job.Before),
		)
	}

	return redispatched, nil
}

func (m *Manager) newJob(jobType types.SyncJobType, w types.Window) *types.SyncJob {
	return &types.SyncJob{
		ID:        uuid.NewString(),
		JobType:   jobType,
		After:     w.After,
		Before:    w.Before,
		StartedAt: m.clock.Now(),
		Status:    types.JobPending,
	}
}

// failDispatch finalizes a job whose task never made it onto the queue.
func (m *Manager) failDispatch(ctx context.Context, job *types.SyncJob, dispatchErr error) {
	if err := m.jobs.Complete(ctx, job.ID, types.JobFailed, "dispatch failed: "+dispatchErr.Error()); err != nil {
		m.logger.ErrorContext(ctx, "failed to finalize undispatched job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}
