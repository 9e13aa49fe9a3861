// Package main is the entry point for the billing sweeper.
//
// It runs the three periodic passes on cron schedules from configuration:
//
//   - trial expirations: claim expired trials in batches and suspend their
//     projects downstream
//   - invoice problems: suspend active enterprise accounts flagged by failed
//     invoice captures
//   - sync retries: fail stale jobs, then re-dispatch failed contact syncs
//     once each
//
// Each pass emits duration and processed-count metrics to CloudWatch. The
// process runs until SIGINT or SIGTERM, then lets in-flight passes finish.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/robfig/cron/v3"

	"billcore/internal/billing"
	"billcore/internal/config"
	"billcore/internal/db"
	"billcore/internal/external"
	"billcore/internal/queue"
	"billcore/internal/scheduler"
	"billcore/internal/syncjobs"
	"billcore/internal/types"
)

// sweepTimeout bounds a single pass. A pass that cannot finish inside it is
// cut off and reported as failed; the next scheduled run picks up the rest.
const sweepTimeout = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing sweeper starting",
		"environment", cfg.Environment,
		"trial_schedule", cfg.Sweep.TrialExpirySchedule,
		"invoice_schedule", cfg.Sweep.InvoiceSchedule,
		"retry_schedule", cfg.Sweep.RetrySchedule,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	accounts := db.NewAccountRepo(pool, logger)
	projects := db.NewProjectRepo(pool)
	jobs := db.NewSyncJobRepo(pool)
	locker := db.NewAccountLocker(pool, logger)

	gateway := external.NewStripeGateway(nil, external.StripeGatewayConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		Logger:    logger,
	})
	lifecycle := external.NewLifecycleClient(nil, external.LifecycleClientConfig{
		BaseURL: cfg.Lifecycle.BaseURL,
		Token:   cfg.Lifecycle.Token.Unmask(),
		Timeout: cfg.Lifecycle.Timeout,
		Logger:  logger,
	})
	dispatcher := queue.NewDispatcher(sqsClient, cfg.AWS.TaskQueueURL, logger)

	clock := types.RealClock{}
	engine := billing.NewEngine(accounts, projects, locker, billing.NewStaticCatalog(), gateway, lifecycle, clock, logger, billing.EngineConfig{
		TrialMonths: cfg.Billing.TrialMonths,
		BatchSize:   cfg.Sweep.BatchSize,
	})
	manager := syncjobs.NewManager(jobs, dispatcher, clock, logger, syncjobs.ManagerConfig{
		StaleJobAge:         cfg.Sweep.StaleJobAge,
		RetroactiveLookback: cfg.Sweep.RetroactiveLookback,
		BatchSize:           cfg.Sweep.BatchSize,
	})

	var metrics scheduler.SweepMetrics = scheduler.NopSweepMetrics{}
	if cfg.Observability.EnableMetrics {
		metrics = scheduler.NewCloudWatchSweepMetrics(cwClient, cfg.Observability.MetricNamespace, logger)
	}
	sweeper := scheduler.NewSweeper(engine, manager, metrics, clock, logger)

	return runCron(cfg.Sweep, sweeper, logger)
}

// runCron registers the three sweeps and blocks until a shutdown signal.
func runCron(cfg config.SweepConfig, sweeper *scheduler.Sweeper, logger *slog.Logger) error {
	c := cron.New()

	register := func(name, schedule string, fn func(context.Context) error) error {
		_, err := c.AddFunc(schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			// Sweep errors are logged inside the sweeper; nothing to do here.
			_ = fn(ctx)
		})
		if err != nil {
			return fmt.Errorf("registering %s schedule %q: %w", name, schedule, err)
		}
		return nil
	}

	if err := register(scheduler.SweepTrialExpirations, cfg.TrialExpirySchedule, sweeper.RunTrialSweep); err != nil {
		return err
	}
	if err := register(scheduler.SweepInvoiceProblems, cfg.InvoiceSchedule, sweeper.RunInvoiceSweep); err != nil {
		return err
	}
	if err := register(scheduler.SweepSyncRetries, cfg.RetrySchedule, sweeper.RunRetrySweep); err != nil {
		return err
	}

	c.Start()
	logger.Info("sweeper schedules registered")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received", "signal", sig.String())

	// Stop scheduling new runs and wait for in-flight passes.
	stopCtx := c.Stop()
	<-stopCtx.Done()

	logger.Info("sweeper stopped cleanly")
	return nil
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
