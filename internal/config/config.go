package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Publish  PublishConfig  `mapstructure:"publish"`
	DLQ      DLQConfig      `mapstructure:"dlq"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Index    IndexConfig    `mapstructure:"index"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	Consumer      string        `mapstructure:"consumer"`
	BatchSize     int           `mapstructure:"batch_size"`
	FetchWait     time.Duration `mapstructure:"fetch_wait"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
	MaxDeliver    int           `mapstructure:"max_deliver"`
	MaxAckPending int           `mapstructure:"max_ack_pending"`

	// MaxEmptyPolls stops consumption after this many consecutive empty
	// fetches. Zero means poll forever (continuous mode).
	MaxEmptyPolls int `mapstructure:"max_empty_polls"`
}

type WorkersConfig struct {
	Count           int           `mapstructure:"count"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type FetchConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	RowLimit         int           `mapstructure:"row_limit"`
	MetricName       string        `mapstructure:"metric_name"`
	MetricsStep      time.Duration `mapstructure:"metrics_step"`
}

type StorageConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Bucket    string        `mapstructure:"bucket"`
	Region    string        `mapstructure:"region"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// PublicURL overrides the base URL used in artifact locators, for
	// deployments where the store is reached through a proxy or CDN.
	// Empty derives the base from the endpoint.
	PublicURL string `mapstructure:"public_url"`
}

type AnalysisConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	MaxTokens  int64         `mapstructure:"max_tokens"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryBase  time.Duration `mapstructure:"retry_base"`

	// MaxEvidenceBytes bounds how much raw evidence is quoted to the model
	// per source type.
	MaxEvidenceBytes int `mapstructure:"max_evidence_bytes"`
}

type PublishConfig struct {
	Attempts    int           `mapstructure:"attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	Jitter      float64       `mapstructure:"jitter"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type DLQConfig struct {
	Backend string `mapstructure:"backend"` // jetstream or file
	Dir     string `mapstructure:"dir"`     // file backend directory
}

type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type JournalConfig struct {
	Backend        string `mapstructure:"backend"` // memory or postgres
	DatabaseURL    string `mapstructure:"database_url"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type IndexConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8087)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "triage")
	v.SetDefault("nats.max_reconnects", -1) // Infinite reconnects
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("queue.consumer", "triage-workers")
	v.SetDefault("queue.batch_size", 1)
	v.SetDefault("queue.fetch_wait", "20s")
	v.SetDefault("queue.ack_wait", "5m")
	v.SetDefault("queue.max_deliver", 5)
	v.SetDefault("queue.max_ack_pending", 100)
	v.SetDefault("queue.max_empty_polls", 0)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.shutdown_timeout", "60s")

	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_concurrent", 3)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_base", "1s")
	v.SetDefault("fetch.max_response_bytes", 8388608) // 8MB
	v.SetDefault("fetch.row_limit", 100)
	v.SetDefault("fetch.metric_name", "signoz_calls_total")
	v.SetDefault("fetch.metrics_step", "60s")

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "minioadmin")
	v.SetDefault("storage.secret_key", "minioadmin")
	v.SetDefault("storage.bucket", "triage-artifacts")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.timeout", "30s")
	v.SetDefault("storage.public_url", "")

	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.base_url", "")
	v.SetDefault("analysis.model", "claude-sonnet-4-20250514")
	v.SetDefault("analysis.max_tokens", 2048)
	v.SetDefault("analysis.timeout", "120s")
	v.SetDefault("analysis.max_retries", 2)
	v.SetDefault("analysis.retry_base", "1s")
	v.SetDefault("analysis.max_evidence_bytes", 16384)

	v.SetDefault("publish.attempts", 5)
	v.SetDefault("publish.backoff_base", "1s")
	v.SetDefault("publish.backoff_cap", "30s")
	v.SetDefault("publish.jitter", 0.2)
	v.SetDefault("publish.timeout", "10s")

	v.SetDefault("dlq.backend", "jetstream")
	v.SetDefault("dlq.dir", "dlq")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("journal.backend", "memory")
	v.SetDefault("journal.database_url", "")
	v.SetDefault("journal.migrations_path", "migrations")

	v.SetDefault("index.enabled", false)
	v.SetDefault("index.url", "https://localhost:9200")
	v.SetDefault("index.username", "admin")
	v.SetDefault("index.password", "")
	v.SetDefault("index.insecure", true)
	v.SetDefault("index.index", "triage-analysis")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/triage")
	}

	// Environment variables override
	v.SetEnvPrefix("TRIAGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings that have no workable fallback.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be at least 1, got %d", c.Queue.BatchSize)
	}
	if c.Queue.MaxDeliver < 1 {
		return fmt.Errorf("queue.max_deliver must be at least 1, got %d", c.Queue.MaxDeliver)
	}
	if c.Storage.Bucket == "" {
		return errors.New("storage.bucket is required")
	}
	if c.Analysis.APIKey == "" {
		return errors.New("analysis.api_key is required")
	}
	if c.Publish.Attempts < 1 {
		return fmt.Errorf("publish.attempts must be at least 1, got %d", c.Publish.Attempts)
	}
	switch c.DLQ.Backend {
	case "jetstream", "file":
	default:
		return fmt.Errorf("dlq.backend must be jetstream or file, got %q", c.DLQ.Backend)
	}
	switch c.Journal.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("journal.backend must be memory or postgres, got %q", c.Journal.Backend)
	}
	if c.Journal.Backend == "postgres" && c.Journal.DatabaseURL == "" {
		return errors.New("journal.database_url is required for the postgres backend")
	}
	return nil
}
