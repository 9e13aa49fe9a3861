// Package main is the entry point for the sync worker.
//
// The worker long-polls the task queue for dispatched sync work, executes
// each task against the external contact store, writes the resulting counts
// into the usage records, and completes the tracking row. Message kinds:
//
//   - sync_contacts: recount every project's active contacts for a window
//   - count_contacts: recount one project for one day
//   - retroactive_sync: backfill per-day counts for one project from the
//     contact activity log
//
// Failed tasks stay on the queue until the visibility timeout expires; jobs
// that never complete are failed by the sweeper's stale-job pass.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"billcore/internal/config"
	"billcore/internal/db"
	"billcore/internal/external"
	"billcore/internal/metering"
	"billcore/internal/queue"
	"billcore/internal/syncjobs"
)

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
	logger.Info("sync worker starting",
		"environment", cfg.Environment,
		"queue_url", cfg.AWS.TaskQueueURL,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(startCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := loadAWSConfig(startCtx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	projects := db.NewProjectRepo(pool)
	usage := db.NewUsageRepo(pool)
	jobs := db.NewSyncJobRepo(pool)

	contacts := external.NewContactStoreClient(
		&http.Client{Timeout: cfg.ContactStore.Timeout},
		external.ContactStoreConfig{
			BaseURL:  cfg.ContactStore.BaseURL,
			Token:    cfg.ContactStore.Token.Unmask(),
			PageSize: cfg.ContactStore.PageSize,
			Logger:   logger,
		},
	)

	meter := metering.NewMeter(usage, contacts, nil, logger)
	runner := syncjobs.NewRunner(contacts, projects, meter, jobs, logger, 0)
	executor := syncjobs.NewExecutor(runner, logger)
	consumer := queue.NewConsumer(sqsClient, cfg.AWS.TaskQueueURL, executor, logger, 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	logger.Info("sync worker stopped cleanly")
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
