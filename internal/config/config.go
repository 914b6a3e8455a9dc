// Package config defines the process configuration for the autopilot engine.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret files referenced by *_FILE (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"autopilot/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"autopilot"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server    ServerConfig
	Store     StoreConfig
	Scheduler SchedulerConfig
	Tasks     TasksConfig
	Monitor   MonitorConfig
	External  ExternalConfig
	AWS       AWSConfig
	Feature   FeatureConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// CronSecret guards the HTTP tick triggers. Empty disables them.
	CronSecret      SecretString  `envconfig:"CRON_SECRET"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// StoreConfig selects and tunes the durable document store.
type StoreConfig struct {
	Backend     string       `envconfig:"STORE_BACKEND" default:"memory" validate:"oneof=memory postgres sqlite"`
	DatabaseURL SecretString `envconfig:"DATABASE_URL" validate:"required_if=Backend postgres"`
	SQLitePath  string       `envconfig:"SQLITE_PATH" default:"autopilot.db"`

	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// SchedulerConfig tunes the schedule tick driver.
type SchedulerConfig struct {
	// CronSpec is the in-process trigger for both ticks when serving.
	CronSpec           string        `envconfig:"CRON_SPEC" default:"* * * * *" validate:"required"`
	FireDedupWindow    time.Duration `envconfig:"FIRE_DEDUP_WINDOW" default:"90s" validate:"gt=0"`
	GenerationPause    time.Duration `envconfig:"GENERATION_PAUSE" default:"1s" validate:"gte=0"`
	ChannelConcurrency int           `envconfig:"CHANNEL_CONCURRENCY" default:"8" validate:"min=1"`
	// TickTimeout bounds a single schedule tick.
	TickTimeout time.Duration `envconfig:"TICK_TIMEOUT" default:"5m" validate:"gt=0"`
}

// TasksConfig tunes the delayed task scheduler.
type TasksConfig struct {
	DefaultDelay time.Duration `envconfig:"DEFAULT_DOWNLOAD_DELAY" default:"10m" validate:"gt=0"`
	// TaskTimeout bounds one download-and-publish run.
	TaskTimeout time.Duration `envconfig:"TASK_TIMEOUT" default:"10m" validate:"gt=0"`
}

// MonitorConfig tunes the claim-and-process file monitor.
type MonitorConfig struct {
	StorageRoot        string        `envconfig:"STORAGE_ROOT" default:"./storage/videos" validate:"required"`
	MediaBaseURL       string        `envconfig:"MEDIA_BASE_URL" default:"http://localhost:8080" validate:"required,url"`
	LockTTL            time.Duration `envconfig:"LOCK_TTL" default:"30m" validate:"gt=0"`
	ArchivePrefix      string        `envconfig:"ARCHIVE_DIR_PREFIX" default:"Published - "`
	ChannelConcurrency int           `envconfig:"MONITOR_CONCURRENCY" default:"4" validate:"min=1"`
	// TickTimeout bounds a single file monitor tick.
	TickTimeout time.Duration `envconfig:"MONITOR_TICK_TIMEOUT" default:"15m" validate:"gt=0"`
}

// ExternalConfig holds the outbound HTTP collaborators.
type ExternalConfig struct {
	GenerationBaseURL string       `envconfig:"GENERATION_BASE_URL" default:"http://localhost:9000" validate:"required,url"`
	GenerationAPIKey  SecretString `envconfig:"GENERATION_API_KEY"`

	PublisherBaseURL string `envconfig:"PUBLISHER_BASE_URL" default:"https://backend.blotato.com/v2" validate:"required,url"`
	// PublisherAPIKey is used for channels without their own key.
	PublisherAPIKey SecretString `envconfig:"PUBLISHER_API_KEY"`

	MetadataBaseURL string       `envconfig:"METADATA_BASE_URL" default:"http://localhost:9001" validate:"required,url"`
	MetadataAPIKey  SecretString `envconfig:"METADATA_API_KEY"`

	Timeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s" validate:"gt=0"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Autopilot"`
	// FailureQueueURL receives terminal file publish failures. Empty disables it.
	FailureQueueURL string `envconfig:"FAILURE_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// FeatureConfig holds kill switches for engine capabilities.
type FeatureConfig struct {
	EnableScheduleTick bool `envconfig:"FEATURE_ENABLE_SCHEDULE_TICK" default:"true"`
	EnableFileMonitor  bool `envconfig:"FEATURE_ENABLE_FILE_MONITOR" default:"true"`
	EnableMetrics      bool `envconfig:"FEATURE_ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSecretResolution indicates a failure while reading a referenced secret file.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
