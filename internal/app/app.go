// Package app assembles the EventPulse dependency graph shared by the server,
// the maintenance function and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"eventpulse/internal/archive"
	"eventpulse/internal/auth"
	"eventpulse/internal/config"
	"eventpulse/internal/core"
	"eventpulse/internal/db"
	"eventpulse/internal/jobs"
	"eventpulse/internal/scheduler"
	"eventpulse/internal/telemetry"
	"eventpulse/internal/types"
	"eventpulse/internal/workerpool"
)

// App holds the long-lived components. Close releases them in reverse order
// of construction.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Holder string

	DB        *pgxpool.Pool
	Store     *db.Store
	Catalog   *jobs.Catalog
	Workers   *workerpool.Pool
	Runner    *scheduler.Runner
	Sweeper   *scheduler.RetentionSweeper
	Reaper    *scheduler.LockReaper
	Scheduler *scheduler.Scheduler
	APIKeys   *auth.Service

	Prometheus *telemetry.Prometheus
	Archiver   *archive.S3Archiver
}

// NewLogger returns a JSON slog.Logger on stdout at level.
func NewLogger(level string) *slog.Logger {
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

// LoadConfig reads configuration, resolving SSM pointers outside local mode.
func LoadConfig() (*config.Config, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.LoadConfig(config.NewSSMProvider(region, os.Getenv("AWS_ENDPOINT_URL")))
}

// NewHolder returns the run_locks holder id for this process:
// <hostname>-<8 hex>.
func NewHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "eventpulse"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// New opens the database pool and builds every component. The scheduler is
// constructed but not started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Holder:  NewHolder(),
		Catalog: jobs.Default(),
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	a.DB = pool
	a.Store = db.NewStore(pool)

	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var runObservers []types.RunObserver
	var poolObserver types.PoolObserver
	if cfg.Observability.PrometheusEnabled {
		a.Prometheus = telemetry.NewPrometheus()
		runObservers = append(runObservers, a.Prometheus)
		poolObserver = a.Prometheus
	}
	if cfg.Observability.CloudWatchEnabled {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		runObservers = append(runObservers, telemetry.NewCloudWatchRunObserver(cw, cfg.Observability.MetricNamespace, logger))
	}
	observer := telemetry.NewMultiRunObserver(runObservers...)

	var archiver scheduler.EventArchiver
	if cfg.AWS.ArchiveBucket != "" {
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				o.UsePathStyle = true
			}
		})
		a.Archiver = archive.NewS3Archiver(client, cfg.AWS.ArchiveBucket, logger)
		archiver = a.Archiver
	}

	sc := cfg.Scheduler
	a.Workers = workerpool.New(
		workerpool.NewBreakerExecutor(a.Store.Queries, "aggregation-queries"),
		a.Catalog,
		workerpool.Config{
			MaxWorkers:  sc.PoolMaxWorkers,
			TaskTimeout: sc.TaskTimeout,
			Observer:    poolObserver,
			Logger:      logger,
		},
	)

	a.Runner = scheduler.NewRunner(a.Store.Locks, a.Store.Watermarks, a.Store, a.Store.Runs, a.Workers, a.Catalog,
		scheduler.RunnerConfig{
			Holder:          a.Holder,
			LockTTL:         sc.LockTTL,
			DefaultLookback: sc.DefaultLookback,
			Observer:        observer,
			Logger:          logger,
		})

	a.Sweeper = scheduler.NewRetentionSweeper(a.Store.Locks, a.Store.Watermarks, a.Store.Events, archiver,
		scheduler.RetentionConfig{
			Holder:    a.Holder,
			LockTTL:   sc.LockTTL,
			Horizon:   sc.RetentionHorizon,
			BatchSize: sc.ArchiveBatch,
			Observer:  observer,
			Logger:    logger,
		})

	a.Reaper = scheduler.NewLockReaper(a.Store.Locks, types.RealClock{}, logger)

	a.Scheduler, err = scheduler.New(a.Runner, a.Sweeper, a.Reaper, scheduler.ConfigFrom(sc, logger))
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("building scheduler: %w", err)
	}

	a.APIKeys = auth.NewService(auth.Config{
		Store:  a.Store.APIKeys,
		Hasher: auth.NewBcryptHasher(cfg.Security.BcryptCost),
		Logger: logger,
	})

	logger.Info("application assembled",
		"holder", a.Holder,
		"jobs", len(a.Catalog.All()),
		"workers", a.Workers.Size(),
		"archive_bucket", cfg.AWS.ArchiveBucket,
		"prometheus", a.Prometheus != nil,
		"cloudwatch", cfg.Observability.CloudWatchEnabled,
	)
	return a, nil
}

func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config (region=%s): %w", a.Config.AWS.Region, err)
	}
	return cfg, nil
}

// HealthProbes lists the dependencies GET /health checks.
func (a *App) HealthProbes() []core.HealthProbe {
	probes := []core.HealthProbe{db.HealthProbe{DB: a.Store}}
	if a.Archiver != nil {
		probes = append(probes, archive.HealthProbe{Archiver: a.Archiver})
	}
	return probes
}

// Close stops the worker pool, then closes the database pool. ctx bounds the
// wait for in-flight tasks.
func (a *App) Close(ctx context.Context) {
	if a.Workers != nil {
		if err := a.Workers.Terminate(ctx); err != nil {
			a.Logger.Warn("worker pool did not drain", "error", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// shutdownTimeout bounds Close when the caller has no deadline.
const shutdownTimeout = 30 * time.Second

// CloseWithTimeout calls Close under a fresh shutdownTimeout deadline.
func (a *App) CloseWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Close(ctx)
}
