// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. All
// values are static for the process lifetime; nothing is re-read per job.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Analyzers AnalyzersConfig `mapstructure:"analyzers"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Blobs     BlobsConfig     `mapstructure:"blobs"`
	Publisher PublisherConfig `mapstructure:"publisher"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PoolConfig governs the browser pool.
type PoolConfig struct {
	Capacity              int `mapstructure:"capacity"`
	IdleTTLSeconds        int `mapstructure:"idle_ttl_seconds"`
	LaunchRetries         int `mapstructure:"launch_retries"`
	LaunchRetryDelayMs    int `mapstructure:"launch_retry_delay_ms"`
	AcquirePollMs         int `mapstructure:"acquire_poll_ms"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
	MaintainIntervalSec   int `mapstructure:"maintain_interval_seconds"`
	ProbeTimeoutSeconds   int `mapstructure:"probe_timeout_seconds"`
}

// BrowserConfig configures pages created on pooled browsers.
type BrowserConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	ViewportWidth     int    `mapstructure:"viewport_width"`
	ViewportHeight    int    `mapstructure:"viewport_height"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// CrawlConfig governs the crawl orchestrator.
type CrawlConfig struct {
	ThrottleRPS          float64 `mapstructure:"throttle_rps"`
	StabilizeIntervalMs  int     `mapstructure:"stabilize_interval_ms"`
	StabilizeSamples     int     `mapstructure:"stabilize_samples"`
	StabilizeCeilingMs   int     `mapstructure:"stabilize_ceiling_ms"`
	NetworkIdleGraceMs   int     `mapstructure:"network_idle_grace_ms"`
	SnapshotContentType  string  `mapstructure:"snapshot_content_type"`
	SnapshotBlobPrefix   string  `mapstructure:"snapshot_blob_prefix"`
	CompletionEventTopic string  `mapstructure:"completion_event_topic"`
}

// QueueConfig governs scheduling, retries, and phase timeouts.
type QueueConfig struct {
	Concurrency            int `mapstructure:"concurrency"`
	MaxAttempts            int `mapstructure:"max_attempts"`
	BackoffBaseMs          int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
	CrawlTimeoutSeconds    int `mapstructure:"crawl_timeout_seconds"`
	AnalysisTimeoutSeconds int `mapstructure:"analysis_timeout_seconds"`
}

// AnalyzersConfig tunes the analyzer fan-out.
type AnalyzersConfig struct {
	CheckLinks         bool `mapstructure:"check_links"`
	MaxLinkChecks      int  `mapstructure:"max_link_checks"`
	LinkTimeoutSeconds int  `mapstructure:"link_timeout_seconds"`
	CacheSize          int  `mapstructure:"cache_size"`
}

// StorageConfig selects the scan store provider.
type StorageConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int32  `mapstructure:"max_open_conns"`
	MinOpenConns int32  `mapstructure:"min_open_conns"`
}

// BlobsConfig selects the snapshot blob store provider.
type BlobsConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PublisherConfig selects the report event publisher.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEGRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.idle_ttl_seconds", 300)
	v.SetDefault("pool.launch_retries", 3)
	v.SetDefault("pool.launch_retry_delay_ms", 1000)
	v.SetDefault("pool.acquire_poll_ms", 250)
	v.SetDefault("pool.acquire_timeout_seconds", 30)
	v.SetDefault("pool.maintain_interval_seconds", 60)
	v.SetDefault("pool.probe_timeout_seconds", 5)
	v.SetDefault("browser.user_agent", "sitegrade-bot/0.1")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("crawl.throttle_rps", 2)
	v.SetDefault("crawl.stabilize_interval_ms", 500)
	v.SetDefault("crawl.stabilize_samples", 3)
	v.SetDefault("crawl.stabilize_ceiling_ms", 10000)
	v.SetDefault("crawl.network_idle_grace_ms", 500)
	v.SetDefault("crawl.snapshot_content_type", "text/html; charset=utf-8")
	v.SetDefault("crawl.snapshot_blob_prefix", "snapshots")
	v.SetDefault("crawl.completion_event_topic", "scan-reports")
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_ms", 2000)
	v.SetDefault("queue.backoff_max_ms", 60000)
	v.SetDefault("queue.crawl_timeout_seconds", 120)
	v.SetDefault("queue.analysis_timeout_seconds", 30)
	v.SetDefault("analyzers.check_links", false)
	v.SetDefault("analyzers.max_link_checks", 20)
	v.SetDefault("analyzers.link_timeout_seconds", 10)
	v.SetDefault("analyzers.cache_size", 128)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("blobs.provider", "memory")
	v.SetDefault("publisher.provider", "memory")
}

// Validate enforces required values and reasonable limits. Worker
// concurrency must stay within pool capacity; violating that turns every
// saturated acquire into a timeout.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.Concurrency > c.Pool.Capacity {
		return fmt.Errorf(
			"queue.concurrency (%d) must not exceed pool.capacity (%d)",
			c.Queue.Concurrency, c.Pool.Capacity,
		)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Crawl.StabilizeSamples <= 0 {
		return fmt.Errorf("crawl.stabilize_samples must be > 0")
	}
	if c.Storage.Provider == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn must be set when storage.provider is postgres")
	}
	if c.Blobs.Provider == "gcs" && c.Blobs.GCSBucket == "" {
		return fmt.Errorf("blobs.gcs_bucket must be set when blobs.provider is gcs")
	}
	if c.Blobs.Provider == "local" && c.Blobs.LocalDir == "" {
		return fmt.Errorf("blobs.local_dir must be set when blobs.provider is local")
	}
	if c.Publisher.Provider == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic must be set when publisher.provider is pubsub")
	}
	return nil
}

// AcquireTimeout returns the pool acquisition wait bound.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSeconds) * time.Second
}

// CrawlTimeout returns the crawl-phase budget for one job.
func (c Config) CrawlTimeout() time.Duration {
	return time.Duration(c.Queue.CrawlTimeoutSeconds) * time.Second
}

// AnalysisTimeout returns the analysis-phase budget for one job.
func (c Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Queue.AnalysisTimeoutSeconds) * time.Second
}
