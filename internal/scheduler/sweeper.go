// Package scheduler runs the periodic billing sweeps: trial expirations,
// invoice capture problems, and sync job retries.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"billcore/internal/types"
)

// Sweep names used in logs and metric dimensions.
const (
	SweepTrialExpirations = "trial_expirations"
	SweepInvoiceProblems  = "invoice_problems"
	SweepSyncRetries      = "sync_retries"
)

// BillingSweeps is the slice of the billing engine the sweeper drives.
type BillingSweeps interface {
	SweepTrialExpirations(ctx context.Context) (int, error)
	SweepInvoiceProblems(ctx context.Context) (int, error)
}

// RetrySweeps is the slice of the sync job manager the sweeper drives.
type RetrySweeps interface {
	RetryFailed(ctx context.Context) (int, error)
}

// Sweeper executes the periodic passes and reports their outcomes. Scheduling
// (cron wiring) lives in the sweeper binary; this type only knows how to run
// one pass at a time.
type Sweeper struct {
	billing BillingSweeps
	retries RetrySweeps
	metrics SweepMetrics
	clock   types.Clock
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(billing BillingSweeps, retries RetrySweeps, metrics SweepMetrics, clock types.Clock, logger *slog.Logger) *Sweeper {
	if metrics == nil {
		metrics = NopSweepMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		billing: billing,
		retries: retries,
		metrics: metrics,
		clock:   clock,
		logger:  logger,
	}
}

// RunTrialSweep suspends expired trials.
func (s *Sweeper) RunTrialSweep(ctx context.Context) error {
	return s.run(ctx, SweepTrialExpirations, s.billing.SweepTrialExpirations)
}

// RunInvoiceSweep suspends flagged enterprise accounts.
func (s *Sweeper) RunInvoiceSweep(ctx context.Context) error {
	return s.run(ctx, SweepInvoiceProblems, s.billing.SweepInvoiceProblems)
}

// RunRetrySweep retries failed sync jobs.
func (s *Sweeper) RunRetrySweep(ctx context.Context) error {
	return s.run(ctx, SweepSyncRetries, s.retries.RetryFailed)
}

func (s *Sweeper) run(ctx context.Context, name string, fn func(context.Context) (int, error)) error {
	start := time.Now()
	processed, err := fn(ctx)
	duration := time.Since(start)

	s.metrics.RecordSweep(ctx, name, processed, duration, err)

	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed",
			slog.String("sweep", name),
			slog.Int("processed", processed),
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		return err
	}

	s.logger.InfoContext(ctx, "sweep completed",
		slog.String("sweep", name),
		slog.Int("processed", processed),
		slog.Duration("duration", duration),
	)
	return nil
}
