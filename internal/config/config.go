// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
	"github.com/JakeFAU/listing-image-dedup/internal/registry"
)

// EnvPrefix prefixes every environment override, e.g. DEDUP_STORE_REDIS_ADDR.
const EnvPrefix = "DEDUP"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Source   SourceConfig   `mapstructure:"source"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Runs     []pipeline.Run `mapstructure:"runs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig defines the trigger gate.
type APIConfig struct {
	TriggerHeader  string        `mapstructure:"trigger_header"`
	TriggerSecret  string        `mapstructure:"trigger_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the coordination store.
type StoreConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the Redis coordination store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SourceConfig describes the listing API and the HTTP client that talks to it.
type SourceConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	ImageURLTemplate string        `mapstructure:"image_url_template"`
	AppVersion       string        `mapstructure:"app_version"`
	UserAgent        string        `mapstructure:"user_agent"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxBodySize      int           `mapstructure:"max_body_size"`
	RateLimit        RateConfig    `mapstructure:"rate_limit"`
}

// RateConfig is a per-host token bucket.
type RateConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// CrawlConfig governs the crawl stage and its workers.
type CrawlConfig struct {
	PageSize            int `mapstructure:"page_size"`
	MaxRequestRetries   int `mapstructure:"max_request_retries"`
	MaxMalformedRetries int `mapstructure:"max_malformed_retries"`
	Workers             int `mapstructure:"workers"`
	QueueDepth          int `mapstructure:"queue_depth"`
}

// FetchConfig governs the fetch stage.
type FetchConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchWidth     int           `mapstructure:"batch_width"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ResizeWidth    int           `mapstructure:"resize_width"`
	ResizeHeight   int           `mapstructure:"resize_height"`
}

// DedupConfig governs the dedup engine.
type DedupConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Threshold      float64       `mapstructure:"threshold"`
	GridSize       int           `mapstructure:"grid_size"`
	ArtifactHeight int           `mapstructure:"artifact_height"`
}

// StorageConfig sets where images and comparison artifacts live.
type StorageConfig struct {
	ImagesDir string          `mapstructure:"images_dir"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// ArtifactsConfig selects the artifact backend.
type ArtifactsConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DatabaseConfig controls the report store. An empty DSN keeps reports in memory.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds the notification topic. An empty project keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	if len(cfg.Runs) == 0 {
		cfg.Runs = registry.Defaults()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("api.trigger_header", "admin-run")
	v.SetDefault("api.trigger_secret", "")
	v.SetDefault("api.request_timeout", 60*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("source.endpoint", "https://sa.aqar.fm/graphql")
	v.SetDefault("source.image_url_template", "https://images.aqar.fm/webp/300x0/props/{image_id}")
	v.SetDefault("source.app_version", "0.16.18")
	v.SetDefault("source.user_agent", "listing-image-dedup/0.1")
	v.SetDefault("source.request_timeout", 30*time.Second)
	v.SetDefault("source.max_body_size", 10<<20)
	v.SetDefault("source.rate_limit.rps", 10.0)
	v.SetDefault("source.rate_limit.burst", 20)
	v.SetDefault("crawl.page_size", 50)
	v.SetDefault("crawl.max_request_retries", 5)
	v.SetDefault("crawl.max_malformed_retries", 10)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.queue_depth", 64)
	v.SetDefault("fetch.poll_interval", 5*time.Second)
	v.SetDefault("fetch.batch_width", 100)
	v.SetDefault("fetch.max_retries", 5)
	v.SetDefault("fetch.request_timeout", 30*time.Second)
	v.SetDefault("fetch.resize_width", 300)
	v.SetDefault("fetch.resize_height", 300)
	v.SetDefault("dedup.poll_interval", 5*time.Second)
	v.SetDefault("dedup.threshold", 0.9)
	v.SetDefault("dedup.grid_size", 16)
	v.SetDefault("dedup.artifact_height", 300)
	v.SetDefault("storage.images_dir", "data/images")
	v.SetDefault("storage.artifacts.backend", "local")
	v.SetDefault("storage.artifacts.dir", "data/post_moderation")
	v.SetDefault("storage.artifacts.bucket", "")
	v.SetDefault("storage.artifacts.prefix", "post_moderation")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "run_reports")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "listing-dedup-events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.API.TriggerHeader == "" {
		return fmt.Errorf("api.trigger_header is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.Crawl.PageSize <= 0 {
		return fmt.Errorf("crawl.page_size must be > 0")
	}
	if c.Crawl.MaxRequestRetries <= 0 {
		return fmt.Errorf("crawl.max_request_retries must be > 0")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Fetch.BatchWidth <= 0 {
		return fmt.Errorf("fetch.batch_width must be > 0")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.PollInterval <= 0 || c.Dedup.PollInterval <= 0 {
		return fmt.Errorf("fetch.poll_interval and dedup.poll_interval must be > 0")
	}
	if c.Dedup.Threshold < -1 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold must be within [-1, 1]")
	}
	if c.Storage.ImagesDir == "" {
		return fmt.Errorf("storage.images_dir is required")
	}
	switch c.Storage.Artifacts.Backend {
	case "memory":
	case "local":
		if c.Storage.Artifacts.Dir == "" {
			return fmt.Errorf("storage.artifacts.dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Artifacts.Bucket == "" || strings.Trim(c.Storage.Artifacts.Prefix, "/") == "" {
			return fmt.Errorf("storage.artifacts.bucket and prefix are required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.artifacts.backend must be memory, local or gcs, got %q", c.Storage.Artifacts.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic is required when pubsub.project_id is set")
	}
	if _, err := registry.New(c.Runs); err != nil {
		return fmt.Errorf("runs: %w", err)
	}
	return nil
}
