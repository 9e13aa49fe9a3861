package syncjobs

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"billcore/internal/types"
)

// ContactSource reads active-contact data from the external contact store.
// Implemented by external.ContactStoreClient.
type ContactSource interface {
	ActiveContacts(ctx context.Context, flowRef string, w types.Window, fn func(contacts []types.Contact) error) error
	CountActive(ctx context.Context, flowRef string, w types.Window) (int, error)
}

// ProjectSource enumerates sync targets. Implemented by db.ProjectRepo.
type ProjectSource interface {
	Get(ctx context.Context, id string) (*types.Project, error)
	List(ctx context.Context) ([]types.Project, error)
}

// UsageRecorder writes reconciled counts. Implemented by metering.Meter.
type UsageRecorder interface {
	OverwriteDay(ctx context.Context, projectID string, at time.Time, count int) error
}

// Runner executes dispatched sync tasks on the worker side. Every run ends by
// finalizing the tracking row, success or failure, so the retry sweep always
// sees a terminal state unless the worker itself died.
type Runner struct {
	contacts ContactSource
	projects ProjectSource
	usage    UsageRecorder
	jobs     JobStore
	logger   *slog.Logger

	// concurrency caps how many projects a full sync reconciles in parallel.
	concurrency int
}

// NewRunner creates a sync task runner.
func NewRunner(contacts ContactSource, projects ProjectSource, usage UsageRecorder, jobs JobStore, logger *slog.Logger, concurrency int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Runner{
		contacts:    contacts,
		projects:    projects,
		usage:       usage,
		jobs:        jobs,
		logger:      logger,
		concurrency: concurrency,
	}
}

// RunContactSync reconciles every project's count for the window against the
// contact store. Projects run concurrently under a bounded group; the first
// error cancels the rest and fails the job.
func (r *Runner) RunContactSync(ctx context.Context, jobID string, w types.Window) error {
	err := r.syncAll(ctx, w)
	return r.finalize(ctx, jobID, err)
}

// syncAll fetches the authoritative count for each project and overwrites the
// local day bucket.
func (r *Runner) syncAll(ctx context.Context, w types.Window) error {
	projects, err := r.projects.List(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, p := range projects {
		g.Go(func() error {
			count, err := r.contacts.CountActive(gctx, p.FlowRef, w)
			if err != nil {
				return err
			}
			return r.usage.OverwriteDay(gctx, p.ID, w.After, count)
		})
	}

	return g.Wait()
}

// RunContactCount recounts a single project for the day starting at dayStart.
func (r *Runner) RunContactCount(ctx context.Context, jobID, projectID string, dayStart time.Time) error {
	err := r.countOne(ctx, projectID, dayStart)
	return r.finalize(ctx, jobID, err)
}

func (r *Runner) countOne(ctx context.Context, projectID string, dayStart time.Time) error {
	project, err := r.projects.Get(ctx, projectID)
	if err != nil {
		return err
	}

	w := types.Window{After: dayStart, Before: dayStart.Add(24 * time.Hour)}
	count, err := r.contacts.CountActive(ctx, project.FlowRef, w)
	if err != nil {
		return err
	}

	return r.usage.OverwriteDay(ctx, projectID, dayStart, count)
}

// RunRetroactiveSync backfills a historical window for one project. Contacts
// are bucketed by the day they were last seen and each touched day is
// overwritten with the recomputed count, so redelivered messages converge to
// the same state.
func (r *Runner) RunRetroactiveSync(ctx context.Context, jobID, projectID string, w types.Window) error {
	err := r.backfill(ctx, projectID, w)
	return r.finalize(ctx, jobID, err)
}

func (r *Runner) backfill(ctx context.Context, projectID string, w types.Window) error {
	project, err := r.projects.Get(ctx, projectID)
	if err != nil {
		return err
	}

	perDay := make(map[time.Time]int)
	err = r.contacts.ActiveContacts(ctx, project.FlowRef, w, func(contacts []types.Contact) error {
		for _, c := range contacts {
			seen := c.LastSeenOn.UTC()
			day := time.Date(seen.Year(), seen.Month(), seen.Day(), 0, 0, 0, 0, time.UTC)
			perDay[day]++
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Deterministic write order keeps retries byte-for-byte comparable in logs.
	days := make([]time.Time, 0, len(perDay))
	for d := range perDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, d := range days {
		if err := r.usage.OverwriteDay(ctx, projectID, d, perDay[d]); err != nil {
			return err
		}
	}

	return nil
}

// finalize records the job outcome. The completion write is the last step, so
// a crash before it leaves the row pending for the stale sweep to fail.
func (r *Runner) finalize(ctx context.Context, jobID string, runErr error) error {
	if runErr == nil {
		if err := r.jobs.Complete(ctx, jobID, types.JobSucceeded, ""); err != nil {
			r.logger.ErrorContext(ctx, "failed to mark sync job succeeded",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			return err
		}
		return nil
	}

	r.logger.ErrorContext(ctx, "sync job run failed",
		slog.String("job_id", jobID),
		slog.Any("error", runErr),
	)
	if err := r.jobs.Complete(ctx, jobID, types.JobFailed, runErr.Error()); err != nil {
		r.logger.ErrorContext(ctx, "failed to mark sync job failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
	return runErr
}
