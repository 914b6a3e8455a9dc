// Package app wires the engine from configuration: the document store
// backend, the outbound clients, the schedule driver, the delayed task
// scheduler and the file monitor. Every binary builds one App at startup.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"autopilot/internal/config"
	"autopilot/internal/core"
	"autopilot/internal/db"
	"autopilot/internal/docstore"
	"autopilot/internal/external"
	"autopilot/internal/monitor"
	"autopilot/internal/queue"
	"autopilot/internal/scheduler"
	"autopilot/internal/sqlitedb"
	"autopilot/internal/tasks"
	"autopilot/internal/telemetry"
)

// App holds the wired engine.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store    docstore.Store
	Channels *docstore.ChannelRepository
	Settings *docstore.SettingsRepository

	Tasks   *tasks.Scheduler
	Driver  *scheduler.ScheduleDriver
	Monitor *monitor.FileMonitor
	Metrics telemetry.Metrics

	// Locks and History are set on the postgres backend only, where several
	// replicas may share one store.
	Locks   TickLocker
	History TickHistory

	// WorkerID identifies this process in tick locks and file lock markers.
	WorkerID string

	probes  []core.HealthProbe
	closers []func() error
}

// New builds an App. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		WorkerID: workerID(),
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var (
		notifier monitor.FailureNotifier
		metrics  telemetry.Metrics = telemetry.Noop{}
	)
	if cfg.Feature.EnableMetrics || cfg.AWS.FailureQueueURL != "" {
		awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		if cfg.Feature.EnableMetrics {
			metrics = telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger)
		}
		// A nil *FailureNotifier must not reach the interface.
		if n := queue.NewFailureNotifier(sqs.NewFromConfig(awsCfg), cfg.AWS, logger); n != nil {
			notifier = n
		}
	}
	a.Metrics = metrics

	httpClient := &http.Client{Timeout: cfg.External.Timeout}

	a.Channels = docstore.NewChannelRepository(a.Store, logger)
	a.Settings = docstore.NewSettingsRepository(a.Store)

	generation := external.NewGenerationClient(httpClient, external.GenerationClientConfig{
		BaseURL: cfg.External.GenerationBaseURL,
		APIKey:  cfg.External.GenerationAPIKey,
		Logger:  logger,
	})

	a.Tasks = tasks.NewScheduler(
		docstore.NewCompletionRepository(a.Store),
		generation,
		metrics,
		cfg.Tasks.TaskTimeout,
		logger,
	)

	guard := scheduler.NewFireOnceGuard(scheduler.NewRecentRuns(), a.Channels, cfg.Scheduler.FireDedupWindow)
	a.Driver = scheduler.NewScheduleDriver(
		a.Channels,
		a.Settings,
		guard,
		generation,
		a.Tasks,
		scheduler.BucketDelay{Fallback: cfg.Tasks.DefaultDelay},
		metrics,
		scheduler.DriverConfig{
			ChannelConcurrency: cfg.Scheduler.ChannelConcurrency,
			GenerationPause:    cfg.Scheduler.GenerationPause,
		},
		logger,
	)

	a.Monitor = monitor.NewFileMonitor(
		monitor.Deps{
			Channels:  a.Channels,
			Settings:  a.Settings,
			Processed: docstore.NewProcessedFileRepository(a.Store),
			Failures:  docstore.NewFailureRepository(a.Store),
			Metadata: external.NewMetadataClient(httpClient, external.MetadataClientConfig{
				BaseURL: cfg.External.MetadataBaseURL,
				APIKey:  cfg.External.MetadataAPIKey,
				Logger:  logger,
			}),
			Publisher: external.NewPublisherClient(httpClient, cfg.External.PublisherBaseURL, logger),
			Notifier:  notifier,
			FS:        monitor.NewOSFileSystem(),
			Cache:     monitor.NewProcessedCache(),
			Metrics:   metrics,
		},
		monitor.Layout{
			Root:          cfg.Monitor.StorageRoot,
			ArchivePrefix: cfg.Monitor.ArchivePrefix,
			MediaBaseURL:  cfg.Monitor.MediaBaseURL,
		},
		monitor.Config{
			LockTTL:       cfg.Monitor.LockTTL,
			Concurrency:   cfg.Monitor.ChannelConcurrency,
			DefaultAPIKey: cfg.External.PublisherAPIKey,
			Holder:        a.WorkerID,
		},
		logger,
	)

	logger.InfoContext(ctx, "engine wired",
		"store", cfg.Store.Backend,
		"worker_id", a.WorkerID,
		"metrics", cfg.Feature.EnableMetrics,
		"failure_queue", notifier != nil,
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config.Store
	switch cfg.Backend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL.Unmask(), db.PoolConfig{
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		a.Store = db.NewDocumentRepository(pool)
		a.Locks = db.NewJobLockRepository(pool)
		a.History = db.NewJobHistoryRepository(pool)
		a.probes = append(a.probes, pingProbe(pool))

	case config.StoreSQLite:
		store, err := sqlitedb.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.Store = store

	default:
		a.Logger.WarnContext(ctx, "using in-memory store; state is lost on restart")
		a.Store = docstore.NewMemoryStore()
	}
	return nil
}

// HealthProbes returns the probes of the opened backends.
func (a *App) HealthProbes() []core.HealthProbe {
	probes := append([]core.HealthProbe(nil), a.probes...)
	probes = append(probes, core.ProbeFunc{
		ProbeName: "storage_root",
		Fn: func(context.Context) error {
			_, err := os.Stat(a.Config.Monitor.StorageRoot)
			return err
		},
	})
	return probes
}

// Close stops the task scheduler, waiting for running tasks until ctx is
// done, then releases the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Tasks != nil {
		if err := a.Tasks.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if c.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(c.EndpointURL)
	}
	return awsCfg, nil
}

func pingProbe(pool *pgxpool.Pool) core.HealthProbe {
	return core.ProbeFunc{ProbeName: "database", Fn: pool.Ping}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "autopilot"
	}
	return host + "-" + uuid.New().String()[:8]
}
