// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/trailnotes/internal/schedule"
	"github.com/JakeFAU/trailnotes/internal/storage/postgres"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Backend names accepted by the storage, queue, invalidator and lease sections.
const (
	BackendMemory     = "memory"
	BackendLocal      = "local"
	BackendGCS        = "gcs"
	BackendS3         = "s3"
	BackendSQS        = "sqs"
	BackendNoop       = "noop"
	BackendCloudFront = "cloudfront"
	BackendPostgres   = "postgres"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	AWS         AWSConfig         `mapstructure:"aws"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Invalidator InvalidatorConfig `mapstructure:"invalidator"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	Reports     ReportsConfig     `mapstructure:"reports"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	Merger      MergerConfig      `mapstructure:"merger"`
	Images      ImagesConfig      `mapstructure:"images"`
	Status      StatusConfig      `mapstructure:"status"`
	Deadman     DeadmanConfig     `mapstructure:"deadman"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RunRPS and RunBurst pace manual runs per job; zero disables the limit.
	RunRPS   float64 `mapstructure:"run_rps"`
	RunBurst int     `mapstructure:"run_burst"`
}

// FetchConfig paces outbound HTTP requests per host.
type FetchConfig struct {
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// AWSConfig is shared by the S3, SQS and CloudFront clients.
type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// StorageConfig selects the object store backend for the live site and the
// recovery snapshot.
type StorageConfig struct {
	Backend        string `mapstructure:"backend"`
	Bucket         string `mapstructure:"bucket"`
	RecoveryBucket string `mapstructure:"recovery_bucket"`
	BaseDir        string `mapstructure:"base_dir"`
	RecoveryDir    string `mapstructure:"recovery_dir"`
	GCSEndpoint    string `mapstructure:"gcs_endpoint"`
}

// QueueConfig selects the image notification queue.
type QueueConfig struct {
	Backend     string        `mapstructure:"backend"`
	URL         string        `mapstructure:"url"`
	Visibility  time.Duration `mapstructure:"visibility"`
	WaitSeconds int32         `mapstructure:"wait_seconds"`
}

// InvalidatorConfig selects the CDN cache invalidator.
type InvalidatorConfig struct {
	Backend        string `mapstructure:"backend"`
	DistributionID string `mapstructure:"distribution_id"`
}

// LeaseConfig selects how single-flight slots are enforced. The postgres
// backend makes the slot system-wide across replicas.
type LeaseConfig struct {
	Backend string        `mapstructure:"backend"`
	DSN     string        `mapstructure:"dsn"`
	Table   string        `mapstructure:"table"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ReportsConfig controls where invocation reports go.
type ReportsConfig struct {
	Log         bool           `mapstructure:"log"`
	HistorySize int            `mapstructure:"history_size"`
	PubSub      PubSubConfig   `mapstructure:"pubsub"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
}

// PubSubConfig holds the alerting topic.
type PubSubConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Topic      string `mapstructure:"topic"`
	PublishAll bool   `mapstructure:"publish_all"`
}

// PostgresConfig controls the run history table.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PathsConfig names the dataset namespace shared by scraper and merger.
type PathsConfig struct {
	Prefix    string `mapstructure:"prefix"`
	MergedKey string `mapstructure:"merged_key"`
}

// ScraperConfig configures the path scraper.
type ScraperConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TargetURL    string        `mapstructure:"target_url"`
	Name         string        `mapstructure:"name"`
	Root         string        `mapstructure:"root"`
	Format       string        `mapstructure:"format"`
	Headless     bool          `mapstructure:"headless"`
	WaitSelector string        `mapstructure:"wait_selector"`
	Evaluate     string        `mapstructure:"evaluate"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Cron         string        `mapstructure:"cron"`
}

// MergerConfig configures the path merger.
type MergerConfig struct {
	Datasets []string      `mapstructure:"datasets"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Cron     string        `mapstructure:"cron"`
}

// ImagesConfig configures the image location worker.
type ImagesConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	IndexKey    string        `mapstructure:"index_key"`
	Suffixes    []string      `mapstructure:"suffixes"`
	Timeout     time.Duration `mapstructure:"timeout"`
	IdleBackoff time.Duration `mapstructure:"idle_backoff"`
}

// StatusConfig configures the status checker.
type StatusConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SiteURL       string        `mapstructure:"site_url"`
	RecordKey     string        `mapstructure:"record_key"`
	HistoryPrefix string        `mapstructure:"history_prefix"`
	WeatherURL    string        `mapstructure:"weather_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Cron          string        `mapstructure:"cron"`
}

// DeadmanConfig configures the dead-man's-switch watchdog.
type DeadmanConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MarkerKey       string        `mapstructure:"marker_key"`
	SnapshotKey     string        `mapstructure:"snapshot_key"`
	ThresholdDays   int           `mapstructure:"threshold_days"`
	StatusKey       string        `mapstructure:"status_key"`
	Prune           bool          `mapstructure:"prune"`
	InvalidatePaths []string      `mapstructure:"invalidate_paths"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Cron            string        `mapstructure:"cron"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRAILNOTES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, trail.ConfigErr("bind env", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, trail.ConfigErr("read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, trail.ConfigErr("unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.run_rps", 0.2)
	v.SetDefault("server.run_burst", 2)
	v.SetDefault("fetch.host_rps", 1.0)
	v.SetDefault("fetch.host_burst", 2)
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.visibility", 10*time.Minute)
	v.SetDefault("queue.wait_seconds", 20)
	v.SetDefault("invalidator.backend", BackendNoop)
	v.SetDefault("lease.backend", BackendMemory)
	v.SetDefault("lease.table", "trail_leases")
	v.SetDefault("lease.ttl", 15*time.Minute)
	v.SetDefault("reports.log", true)
	v.SetDefault("reports.history_size", 50)
	v.SetDefault("reports.postgres.table", "job_runs")
	v.SetDefault("reports.postgres.max_conns", 4)
	v.SetDefault("paths.prefix", "paths/")
	v.SetDefault("paths.merged_key", "at_merged.json")
	v.SetDefault("scraper.enabled", false)
	v.SetDefault("scraper.name", "at_garmin")
	v.SetDefault("scraper.root", "at")
	v.SetDefault("scraper.format", "livetrack")
	v.SetDefault("scraper.wait_selector", "body")
	v.SetDefault("scraper.user_agent", "trailnotes-bot/1.0")
	v.SetDefault("scraper.timeout", 5*time.Minute)
	v.SetDefault("scraper.cron", "0 */4 * * *")
	v.SetDefault("merger.datasets", []string{"at", "at_garmin"})
	v.SetDefault("merger.timeout", 5*time.Minute)
	v.SetDefault("merger.cron", "0 */5 * * *")
	v.SetDefault("images.enabled", true)
	v.SetDefault("images.index_key", "image_locations.json")
	v.SetDefault("images.suffixes", []string{".jpg", ".jpeg", ".png"})
	v.SetDefault("images.timeout", 5*time.Minute)
	v.SetDefault("images.idle_backoff", 5*time.Second)
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.record_key", "status/latest.json")
	v.SetDefault("status.history_prefix", "status/")
	v.SetDefault("status.weather_url", "https://api.open-meteo.com/v1/forecast?latitude={lat}&longitude={lon}"+
		"&daily=temperature_2m_max,temperature_2m_min&timezone=America%2FNew_York&forecast_days=1&temperature_unit=fahrenheit")
	v.SetDefault("status.timeout", 5*time.Minute)
	v.SetDefault("status.cron", "0 */4 * * *")
	v.SetDefault("deadman.enabled", true)
	v.SetDefault("deadman.marker_key", "status/checkin.json")
	v.SetDefault("deadman.snapshot_key", "payload.zip")
	v.SetDefault("deadman.threshold_days", 15)
	v.SetDefault("deadman.status_key", "status/deadMan.json")
	v.SetDefault("deadman.invalidate_paths", []string{"/*"})
	v.SetDefault("deadman.timeout", 10*time.Minute)
	v.SetDefault("deadman.cron", "0 4 * * *")
}

// envOnlyKeys have no default, so viper would not consult the environment for
// them during Unmarshal without an explicit binding.
var envOnlyKeys = []string{
	"server.api_key",
	"aws.endpoint",
	"storage.bucket",
	"storage.recovery_bucket",
	"storage.base_dir",
	"storage.recovery_dir",
	"storage.gcs_endpoint",
	"queue.url",
	"invalidator.distribution_id",
	"lease.dsn",
	"reports.pubsub.project_id",
	"reports.pubsub.topic",
	"reports.pubsub.publish_all",
	"reports.postgres.dsn",
	"scraper.target_url",
	"scraper.headless",
	"scraper.evaluate",
	"status.site_url",
	"deadman.prune",
}

func bindEnv(v *viper.Viper) error {
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values. Every failure wraps
// trail.ErrConfiguration.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Server.RunRPS >= 0, "server.run_rps must be >= 0")
	check(c.Fetch.HostRPS >= 0, "fetch.host_rps must be >= 0")
	check(oneOf(c.Storage.Backend, BackendMemory, BackendLocal, BackendGCS, BackendS3),
		"storage.backend %q is not supported", c.Storage.Backend)
	switch c.Storage.Backend {
	case BackendLocal:
		check(c.Storage.BaseDir != "", "storage.base_dir is required for the local backend")
		check(c.Storage.RecoveryDir != "" || !c.Deadman.Enabled,
			"storage.recovery_dir is required for the local backend when deadman is enabled")
	case BackendGCS, BackendS3:
		check(c.Storage.Bucket != "", "storage.bucket is required for the %s backend", c.Storage.Backend)
		check(c.Storage.RecoveryBucket != "" || !c.Deadman.Enabled,
			"storage.recovery_bucket is required when deadman is enabled")
	}

	check(oneOf(c.Queue.Backend, BackendMemory, BackendSQS), "queue.backend %q is not supported", c.Queue.Backend)
	check(c.Queue.Backend != BackendSQS || c.Queue.URL != "", "queue.url is required for the sqs backend")
	check(c.Queue.Backend != BackendMemory || c.Storage.Backend == BackendMemory || !c.Images.Enabled,
		"queue.backend memory only receives notifications from storage.backend memory")
	check(c.Queue.Visibility > 0, "queue.visibility must be > 0")

	check(oneOf(c.Invalidator.Backend, BackendNoop, BackendMemory, BackendCloudFront),
		"invalidator.backend %q is not supported", c.Invalidator.Backend)
	check(c.Invalidator.Backend != BackendCloudFront || c.Invalidator.DistributionID != "",
		"invalidator.distribution_id is required for the cloudfront backend")

	check(oneOf(c.Lease.Backend, BackendMemory, BackendPostgres), "lease.backend %q is not supported", c.Lease.Backend)
	if c.Lease.Backend == BackendPostgres {
		check(c.Lease.DSN != "", "lease.dsn is required for the postgres backend")
		check(postgres.ValidTable(c.Lease.Table) == nil, "lease.table %q is not a valid table name", c.Lease.Table)
		check(c.Lease.TTL > 0, "lease.ttl must be > 0")
	}

	if c.Reports.PubSub.Topic != "" {
		check(c.Reports.PubSub.ProjectID != "", "reports.pubsub.project_id is required when a topic is set")
	}
	if c.Reports.Postgres.DSN != "" {
		check(postgres.ValidTable(c.Reports.Postgres.Table) == nil,
			"reports.postgres.table %q is not a valid table name", c.Reports.Postgres.Table)
	}

	check(c.Paths.MergedKey != "", "paths.merged_key is required")
	if c.Scraper.Enabled {
		check(c.Scraper.TargetURL != "", "scraper.target_url is required when the scraper is enabled")
		check(c.Scraper.Name != "", "scraper.name is required")
		c.checkCron(check, "scraper.cron", c.Scraper.Cron)
	}
	check(len(c.Merger.Datasets) > 0, "merger.datasets must list at least one dataset")
	c.checkCron(check, "merger.cron", c.Merger.Cron)
	if c.Images.Enabled {
		check(c.Images.IndexKey != "", "images.index_key is required")
	}
	if c.Status.Enabled {
		check(c.Status.SiteURL != "", "status.site_url is required when the status checker is enabled")
		c.checkCron(check, "status.cron", c.Status.Cron)
	}
	if c.Deadman.Enabled {
		check(c.Deadman.MarkerKey != "", "deadman.marker_key is required")
		check(c.Deadman.SnapshotKey != "", "deadman.snapshot_key is required")
		check(c.Deadman.ThresholdDays > 0, "deadman.threshold_days must be > 0")
		c.checkCron(check, "deadman.cron", c.Deadman.Cron)
	}

	if len(errs) > 0 {
		return trail.ConfigErr("validate config", errors.Join(errs...))
	}
	return nil
}

func (Config) checkCron(check func(bool, string, ...any), field, expr string) {
	if expr == "" {
		return
	}
	err := schedule.ValidateCron(expr)
	check(err == nil, "%s: %v", field, err)
}

// Threshold is the watchdog recovery threshold.
func (c DeadmanConfig) Threshold() time.Duration {
	return time.Duration(c.ThresholdDays) * 24 * time.Hour
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
