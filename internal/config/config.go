// Package config defines the configuration structure shared by every
// EventPulse binary. Configuration is loaded once at process start and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"eventpulse/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for redacted fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"eventpulse"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Scheduler     SchedulerConfig
	Ingest        IngestConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `envconfig:"SERVER_REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Raw events are archived here before the retention sweep deletes them.
	// Empty disables archiving.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SchedulerConfig controls the aggregation pipeline: cadences, worker pool
// sizing, lock lifetime and the retention horizon.
type SchedulerConfig struct {
	Enabled        bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`
	PoolMaxWorkers int           `envconfig:"SCHEDULER_POOL_MAX_WORKERS" default:"4" validate:"min=1"`
	LockTTL        time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"15m" validate:"gt=0"`
	TaskTimeout    time.Duration `envconfig:"SCHEDULER_TASK_TIMEOUT" default:"0s" validate:"min=0"`

	DailyCadence     string        `envconfig:"SCHEDULER_DAILY_CADENCE" default:"0 1 * * *" validate:"required,cadence"`
	StaggerStep      time.Duration `envconfig:"SCHEDULER_STAGGER_STEP" default:"3m" validate:"min=0"`
	FastCadence      string        `envconfig:"SCHEDULER_FAST_CADENCE" default:"*/5 * * * *" validate:"required,cadence"`
	FastWindow       time.Duration `envconfig:"SCHEDULER_FAST_WINDOW" default:"5m" validate:"gt=0"`
	RetentionCadence string        `envconfig:"SCHEDULER_RETENTION_CADENCE" default:"0 3 1 * *" validate:"required,cadence"`
	ReaperCadence    string        `envconfig:"SCHEDULER_REAPER_CADENCE" default:"@every 1m" validate:"required,cadence"`

	DefaultLookback  time.Duration `envconfig:"SCHEDULER_DEFAULT_LOOKBACK" default:"720h" validate:"gt=0"`
	RetentionHorizon time.Duration `envconfig:"SCHEDULER_RETENTION_HORIZON" default:"1440h" validate:"gt=0"`
	ArchiveBatch     int           `envconfig:"SCHEDULER_ARCHIVE_BATCH" default:"5000" validate:"min=1"`
}

// IngestConfig holds the public event ingestion settings.
type IngestConfig struct {
	// EnvelopeKey is the hex-encoded 32-byte XChaCha20-Poly1305 key.
	EnvelopeKey SecretString `envconfig:"INGEST_ENVELOPE_KEY" validate:"required,len=64,hexadecimal"`

	MaxBatch        int           `envconfig:"INGEST_MAX_BATCH" default:"500" validate:"min=1"`
	MaxBodyBytes    int64         `envconfig:"INGEST_MAX_BODY_BYTES" default:"4194304" validate:"min=1024"`
	RateLimit       int           `envconfig:"INGEST_RATE_LIMIT" default:"120" validate:"min=1"`
	RateLimitWindow time.Duration `envconfig:"INGEST_RATE_LIMIT_WINDOW" default:"1m" validate:"gt=0"`
	SessionCookie   string        `envconfig:"INGEST_SESSION_COOKIE" default:"ep_sid"`
}

// SecurityConfig holds CORS settings and API key hashing cost.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	BcryptCost         int      `envconfig:"API_KEY_BCRYPT_COST" default:"12" validate:"min=4,max=31"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace   string `envconfig:"METRIC_NAMESPACE" default:"EventPulse"`
	CloudWatchEnabled bool   `envconfig:"OBSERVABILITY_CLOUDWATCH_ENABLED" default:"false"`
	PrometheusEnabled bool   `envconfig:"OBSERVABILITY_PROMETHEUS_ENABLED" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
