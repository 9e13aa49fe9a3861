// Package config defines the global configuration structure for the billing
// engine. Configuration is loaded once at process startup and is immutable
// thereafter; it follows 12-Factor principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the process to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"billcore/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	// System metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"billcore"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Lifecycle     LifecycleConfig
	ContactStore  ContactStoreConfig
	Sweep         SweepConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	// Tuning parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Resource identifiers
	TaskQueueURL string `envconfig:"SQS_TASK_QUEUE" validate:"required,url"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds payment gateway credentials and plan defaults.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	// TrialMonths is how far past the signup day a trial runs.
	TrialMonths int `envconfig:"BILLING_TRIAL_MONTHS" default:"1"`
}

// LifecycleConfig holds the downstream project-lifecycle service settings.
type LifecycleConfig struct {
	BaseURL string       `envconfig:"LIFECYCLE_BASE_URL" validate:"required,url"`
	Token   SecretString `envconfig:"LIFECYCLE_TOKEN" validate:"required"`
	Timeout time.Duration `envconfig:"LIFECYCLE_TIMEOUT" default:"10s"`
}

// ContactStoreConfig holds the external contact store settings used by sync
// workers.
type ContactStoreConfig struct {
	BaseURL  string       `envconfig:"CONTACT_STORE_BASE_URL" validate:"required,url"`
	Token    SecretString `envconfig:"CONTACT_STORE_TOKEN" validate:"required"`
	Timeout  time.Duration `envconfig:"CONTACT_STORE_TIMEOUT" default:"30s"`
	PageSize int          `envconfig:"CONTACT_STORE_PAGE_SIZE" default:"250"`
}

// SweepConfig holds schedules and tunables for the periodic sweeps.
type SweepConfig struct {
	TrialExpirySchedule   string        `envconfig:"SWEEP_TRIAL_SCHEDULE" default:"0 * * * *"`
	InvoiceSchedule       string        `envconfig:"SWEEP_INVOICE_SCHEDULE" default:"30 * * * *"`
	RetrySchedule         string        `envconfig:"SWEEP_RETRY_SCHEDULE" default:"*/15 * * * *"`
	StaleJobAge           time.Duration `envconfig:"SWEEP_STALE_JOB_AGE" default:"2h"`
	RetroactiveLookback   time.Duration `envconfig:"SWEEP_RETRO_LOOKBACK" default:"3h"`
	BatchSize             int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BillCore"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
