// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
	"github.com/JakeFAU/funding-pipeline/internal/source"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Auth       AuthConfig                 `mapstructure:"auth"`
	Pipeline   PipelineConfig             `mapstructure:"pipeline"`
	Change     ChangeConfig               `mapstructure:"change"`
	Analysis   AnalysisConfig             `mapstructure:"analysis"`
	Extraction ExtractionConfig           `mapstructure:"extraction"`
	Watchdog   WatchdogConfig             `mapstructure:"watchdog"`
	Storage    StorageConfig              `mapstructure:"storage"`
	Database   DatabaseConfig             `mapstructure:"database"`
	PubSub     PubSubConfig               `mapstructure:"pubsub"`
	Progress   ProgressConfig             `mapstructure:"progress"`
	Logging    LoggingConfig              `mapstructure:"logging"`
	Sources    map[string]pipeline.Source `mapstructure:"sources"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig toggles API key authentication on the status API.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs run execution.
type PipelineConfig struct {
	// Workers is the number of runs processed concurrently.
	Workers int `mapstructure:"workers"`
	// ChunkWorkers is the number of chunks of one run processed concurrently.
	ChunkWorkers   int           `mapstructure:"chunk_workers"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	MaxChunks      int           `mapstructure:"max_chunks"`
	MaxChunkSize   int           `mapstructure:"max_chunk_size"`
	MaxOpenPages   int           `mapstructure:"max_open_pages"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	// TerminalRetryDelay is the pause before retrying a failed run or job terminal write.
	TerminalRetryDelay time.Duration `mapstructure:"terminal_retry_delay"`
}

// ChangeConfig tunes change detection.
type ChangeConfig struct {
	AmountThreshold float64 `mapstructure:"amount_threshold"`
}

// AnalysisConfig configures batching and the analysis service client.
type AnalysisConfig struct {
	DefaultBatchSize int           `mapstructure:"default_batch_size"`
	MaxBatchSize     int           `mapstructure:"max_batch_size"`
	TokenCeiling     int           `mapstructure:"token_ceiling"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelayMs     int           `mapstructure:"retry_delay_ms"`
	RPS              float64       `mapstructure:"rps"`
	Burst            int           `mapstructure:"burst"`
	Model            string        `mapstructure:"model"`
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Temperature      float64       `mapstructure:"temperature"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ExtractionConfig configures source fetching.
type ExtractionConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Retries        int     `mapstructure:"retries"`
	RetryDelayMs   int     `mapstructure:"retry_delay_ms"`
	UserAgent      string  `mapstructure:"user_agent"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
}

// WatchdogConfig sets the stale-run sweep.
type WatchdogConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	SoftTimeout time.Duration `mapstructure:"soft_timeout"`
	HardTimeout time.Duration `mapstructure:"hard_timeout"`
	// RequeueAfter is how old a pending run must be before a sweep queues it
	// on this process.
	RequeueAfter time.Duration `mapstructure:"requeue_after"`
}

// StorageConfig selects where raw pages are archived.
type StorageConfig struct {
	// Backend is one of memory, local, or gcs.
	Backend    string `mapstructure:"backend"`
	Bucket     string `mapstructure:"bucket"`
	Prefix     string `mapstructure:"prefix"`
	LocalDir   string `mapstructure:"local_dir"`
	ArchiveRaw bool   `mapstructure:"archive_raw"`
}

// DatabaseConfig controls the Postgres pool. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds the run event topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize    int  `mapstructure:"buffer_size"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
	Batch         struct {
		MaxEvents int `mapstructure:"max_events"`
		MaxWaitMs int `mapstructure:"max_wait_ms"`
	} `mapstructure:"batch"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and PIPELINE_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
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
	for id, src := range cfg.Sources {
		if src.ID == "" {
			src.ID = id
			cfg.Sources[id] = src
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.chunk_workers", 2)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.chunk_size", 10)
	v.SetDefault("pipeline.max_chunks", 200)
	v.SetDefault("pipeline.max_chunk_size", 100)
	v.SetDefault("pipeline.max_open_pages", 500)
	v.SetDefault("pipeline.enqueue_timeout", 5*time.Second)
	v.SetDefault("pipeline.terminal_retry_delay", 250*time.Millisecond)
	v.SetDefault("change.amount_threshold", 0.05)
	v.SetDefault("analysis.default_batch_size", 10)
	v.SetDefault("analysis.max_batch_size", 25)
	v.SetDefault("analysis.token_ceiling", 8000)
	v.SetDefault("analysis.max_retries", 3)
	v.SetDefault("analysis.retry_delay_ms", 2000)
	v.SetDefault("analysis.rps", 2.0)
	v.SetDefault("analysis.burst", 1)
	v.SetDefault("analysis.model", "gpt-4o-mini")
	v.SetDefault("analysis.timeout", 60*time.Second)
	v.SetDefault("extraction.timeout_seconds", 30)
	v.SetDefault("extraction.retries", 2)
	v.SetDefault("extraction.retry_delay_ms", 500)
	v.SetDefault("extraction.user_agent", "funding-pipeline/0.1")
	v.SetDefault("extraction.respect_robots", true)
	v.SetDefault("extraction.rps", 1.0)
	v.SetDefault("extraction.burst", 1)
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.interval", time.Minute)
	v.SetDefault("watchdog.soft_timeout", 30*time.Minute)
	v.SetDefault("watchdog.hard_timeout", 2*time.Hour)
	v.SetDefault("watchdog.requeue_after", 30*time.Second)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.local_dir", "data/raw")
	v.SetDefault("database.migrate", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key is required when auth.enabled is true"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be > 0"))
	}
	if c.Pipeline.ChunkSize <= 0 {
		errs = append(errs, errors.New("pipeline.chunk_size must be > 0"))
	}
	if c.Pipeline.MaxChunkSize > 0 && c.Pipeline.ChunkSize > c.Pipeline.MaxChunkSize {
		errs = append(errs, errors.New("pipeline.chunk_size must not exceed pipeline.max_chunk_size"))
	}
	if c.Analysis.MaxBatchSize < c.Analysis.DefaultBatchSize {
		errs = append(errs, errors.New("analysis.max_batch_size must be >= analysis.default_batch_size"))
	}
	if c.Extraction.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("extraction.timeout_seconds must be > 0"))
	}
	if c.Watchdog.Enabled && c.Watchdog.HardTimeout <= c.Watchdog.SoftTimeout {
		errs = append(errs, errors.New("watchdog.hard_timeout must be greater than watchdog.soft_timeout"))
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}
	for _, src := range c.SourceList() {
		if err := source.Validate(src); err != nil {
			errs = append(errs, fmt.Errorf("sources.%s: %w", src.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SourceList returns the configured sources ordered by ID.
func (c Config) SourceList() []pipeline.Source {
	out := make([]pipeline.Source, 0, len(c.Sources))
	for _, src := range c.Sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExtractionTimeout is the per-page fetch timeout.
func (c Config) ExtractionTimeout() time.Duration {
	return time.Duration(c.Extraction.TimeoutSeconds) * time.Second
}
