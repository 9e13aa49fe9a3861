// Package main is the entry point for the billing API server.
//
// It loads configuration, connects the database pool and AWS clients, wires
// the billing engine, usage meter, and sync task manager behind their HTTP
// handlers, and serves the chi router with graceful shutdown on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
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
	"github.com/go-chi/chi/v5"

	"billcore/internal/api/handlers"
	"billcore/internal/billing"
	"billcore/internal/config"
	"billcore/internal/core"
	"billcore/internal/db"
	"billcore/internal/external"
	"billcore/internal/metering"
	"billcore/internal/queue"
	"billcore/internal/syncjobs"
	"billcore/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can exit cleanly on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
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

	// Repositories.
	accounts := db.NewAccountRepo(pool, logger)
	projects := db.NewProjectRepo(pool)
	usage := db.NewUsageRepo(pool)
	jobs := db.NewSyncJobRepo(pool)
	locker := db.NewAccountLocker(pool, logger)

	// External services.
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
	contacts := external.NewContactStoreClient(
		&http.Client{Timeout: cfg.ContactStore.Timeout},
		external.ContactStoreConfig{
			BaseURL:  cfg.ContactStore.BaseURL,
			Token:    cfg.ContactStore.Token.Unmask(),
			PageSize: cfg.ContactStore.PageSize,
			Logger:   logger,
		},
	)
	dispatcher := queue.NewDispatcher(sqsClient, cfg.AWS.TaskQueueURL, logger)

	// Domain services.
	clock := types.RealClock{}
	catalog := billing.NewStaticCatalog()
	engine := billing.NewEngine(accounts, projects, locker, catalog, gateway, lifecycle, clock, logger, billing.EngineConfig{
		TrialMonths: cfg.Billing.TrialMonths,
		BatchSize:   cfg.Sweep.BatchSize,
	})
	meter := metering.NewMeter(usage, contacts, clock, logger)
	manager := syncjobs.NewManager(jobs, dispatcher, clock, logger, syncjobs.ManagerConfig{
		StaleJobAge:         cfg.Sweep.StaleJobAge,
		RetroactiveLookback: cfg.Sweep.RetroactiveLookback,
		BatchSize:           cfg.Sweep.BatchSize,
	})

	// HTTP layer.
	validator := core.NewValidator()
	billingHandler := handlers.NewBillingHandler(engine, accounts, validator, logger)
	usageHandler := handlers.NewUsageHandler(meter, validator)
	syncHandler := handlers.NewSyncHandler(manager, jobs, validator)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		accounts,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)

	router := newRouter(logger, pool, billingHandler, usageHandler, syncHandler, webhookHandler)

	return serveHTTP(router, cfg, logger)
}

// routeRegistrar is implemented by every handler in internal/api/handlers.
type routeRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// pinger is the subset of the pgx pool used by the health check.
type pinger interface {
	Ping(ctx context.Context) error
}

// newRouter assembles the middleware chain and mounts all routes. Webhooks
// stay outside /v1 and outside the request logger's noise threshold concerns;
// everything else lives under /v1.
func newRouter(logger *slog.Logger, pool pinger, registrars ...routeRegistrar) chi.Router {
	r := chi.NewRouter()
	r.Use(core.RequestID)
	r.Use(core.Recoverer(logger))
	r.Use(core.RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			core.JSON(w, req, http.StatusServiceUnavailable, core.APIResponse{Data: map[string]string{"status": "degraded"}})
			return
		}
		core.JSON(w, req, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "ok"}})
	})

	r.Route("/v1", func(v1 chi.Router) {
		for _, reg := range registrars {
			reg.RegisterRoutes(v1)
		}
	})

	return r
}

// serveHTTP runs the server until a shutdown signal arrives, then drains
// in-flight requests within the configured shutdown timeout.
func serveHTTP(handler http.Handler, cfg *config.Config, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// loadAWSConfig resolves the AWS SDK configuration, honoring the LocalStack
// endpoint override when set.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// newLogger creates a JSON slog.Logger at the configured level.
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
