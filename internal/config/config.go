// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Postgres configures the Persistence Layer's connection pool (C3).
type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ObjectStore configures the S3-compatible entries bucket (C4).
type ObjectStore struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	AccessKeyEnv   string `mapstructure:"access_key_env"`
	SecretKeyEnv   string `mapstructure:"secret_key_env"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	ManifestKey    string `mapstructure:"manifest_key"`
}

// LLM configures the Gateway (C1): provider endpoint, model, and the
// process-wide pacing/retry knobs from §4.1.
type LLM struct {
	Endpoint           string        `mapstructure:"endpoint"`
	Model              string        `mapstructure:"model"`
	APIKeyEnv          string        `mapstructure:"api_key_env"`
	Temperature        float64       `mapstructure:"temperature"`
	JSONMode           bool          `mapstructure:"json_mode"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RetryCeiling       int           `mapstructure:"retry_ceiling"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitPerDay    int           `mapstructure:"rate_limit_per_day"`
	PromptVersion      string        `mapstructure:"prompt_version"`
}

// Extraction configures the extractor worker pool (C5).
type Extraction struct {
	Count                 int           `mapstructure:"count"`
	HeartbeatTTL          time.Duration `mapstructure:"heartbeat_ttl"`
	MaxRetries            int           `mapstructure:"max_retries"`
	Backoff               Backoff       `mapstructure:"backoff"`
	QueueKey              string        `mapstructure:"queue_key"`
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string        `mapstructure:"heartbeat_key_pattern"`
	DeadLetterList        string        `mapstructure:"dead_letter_list"`
	BRPopLPushTimeout     time.Duration `mapstructure:"brpoplpush_timeout"`
	BreakerPause          time.Duration `mapstructure:"breaker_pause"`
}

// Aggregation configures the aggregator worker pool (C6), parameterized
// over the four tiers with %s placeholders for the tier name.
type Aggregation struct {
	CountPerTier          int           `mapstructure:"count_per_tier"`
	HeartbeatTTL          time.Duration `mapstructure:"heartbeat_ttl"`
	MaxRetries            int           `mapstructure:"max_retries"`
	Backoff               Backoff       `mapstructure:"backoff"`
	QueueKeyPattern       string        `mapstructure:"queue_key_pattern"`        // fmt with tier
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"` // fmt with tier, workerID
	HeartbeatKeyPattern   string        `mapstructure:"heartbeat_key_pattern"`   // fmt with tier, workerID
	DeadLetterListPattern string        `mapstructure:"dead_letter_list_pattern"` // fmt with tier
	BRPopLPushTimeout     time.Duration `mapstructure:"brpoplpush_timeout"`
	BreakerPause          time.Duration `mapstructure:"breaker_pause"`
	WeekStartWeekday      int           `mapstructure:"week_start_weekday"` // 0=Sunday..6=Saturday
}

// Cache configures the Content Cache (C2).
type Cache struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Postgres       Postgres       `mapstructure:"postgres"`
	ObjectStore    ObjectStore    `mapstructure:"objectstore"`
	LLM            LLM            `mapstructure:"llm"`
	Extraction     Extraction     `mapstructure:"extraction"`
	Aggregation    Aggregation    `mapstructure:"aggregation"`
	Coordinator    Coordinator    `mapstructure:"coordinator"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Cache          Cache          `mapstructure:"cache"`
	Observability  Observability  `mapstructure:"observability"`
}

// Coordinator configures the pipeline state machine (C7).
type Coordinator struct {
	PubSubChannel   string `mapstructure:"pubsub_channel"`
	PipelineStateID string `mapstructure:"pipeline_state_id"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/yearlyreview?sslmode=disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStore{
			Bucket:         "yearlyreview-entries",
			Region:         "us-east-1",
			AccessKeyEnv:   "YEARLYREVIEW_S3_ACCESS_KEY",
			SecretKeyEnv:   "YEARLYREVIEW_S3_SECRET_KEY",
			ForcePathStyle: false,
			ManifestKey:    "manifest.json",
		},
		LLM: LLM{
			Endpoint:           "https://api.openai.com/v1/chat/completions",
			Model:              "gpt-4o-mini",
			APIKeyEnv:          "YEARLYREVIEW_LLM_API_KEY",
			Temperature:        0.3,
			JSONMode:           true,
			RequestTimeout:     30 * time.Second,
			RetryCeiling:       3,
			RateLimitPerMinute: 50,
			RateLimitPerDay:    5000,
			PromptVersion:      "v1",
		},
		Extraction: Extraction{
			Count:                 8,
			HeartbeatTTL:          30 * time.Second,
			MaxRetries:            3,
			Backoff:               Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			QueueKey:              "pipeline:extract:queue",
			ProcessingListPattern: "pipeline:extract:worker:%s:processing",
			HeartbeatKeyPattern:   "pipeline:extract:worker:%s:heartbeat",
			DeadLetterList:        "pipeline:extract:dead_letter",
			BRPopLPushTimeout:     1 * time.Second,
			BreakerPause:          100 * time.Millisecond,
		},
		Aggregation: Aggregation{
			CountPerTier:          4,
			HeartbeatTTL:          30 * time.Second,
			MaxRetries:            3,
			Backoff:               Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			QueueKeyPattern:       "pipeline:agg:%s:queue",
			ProcessingListPattern: "pipeline:agg:%s:worker:%s:processing",
			HeartbeatKeyPattern:   "pipeline:agg:%s:worker:%s:heartbeat",
			DeadLetterListPattern: "pipeline:agg:%s:dead_letter",
			BRPopLPushTimeout:     1 * time.Second,
			BreakerPause:          100 * time.Millisecond,
			WeekStartWeekday:      1, // Monday
		},
		Coordinator: Coordinator{
			PubSubChannel:   "pipeline:coordinator:events",
			PipelineStateID: "singleton",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Cache: Cache{
			DefaultTTL: 7 * 24 * time.Hour,
			KeyPrefix:  "pipeline",
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("objectstore.bucket", def.ObjectStore.Bucket)
	v.SetDefault("objectstore.region", def.ObjectStore.Region)
	v.SetDefault("objectstore.endpoint", def.ObjectStore.Endpoint)
	v.SetDefault("objectstore.access_key_env", def.ObjectStore.AccessKeyEnv)
	v.SetDefault("objectstore.secret_key_env", def.ObjectStore.SecretKeyEnv)
	v.SetDefault("objectstore.force_path_style", def.ObjectStore.ForcePathStyle)
	v.SetDefault("objectstore.manifest_key", def.ObjectStore.ManifestKey)

	v.SetDefault("llm.endpoint", def.LLM.Endpoint)
	v.SetDefault("llm.model", def.LLM.Model)
	v.SetDefault("llm.api_key_env", def.LLM.APIKeyEnv)
	v.SetDefault("llm.temperature", def.LLM.Temperature)
	v.SetDefault("llm.json_mode", def.LLM.JSONMode)
	v.SetDefault("llm.request_timeout", def.LLM.RequestTimeout)
	v.SetDefault("llm.retry_ceiling", def.LLM.RetryCeiling)
	v.SetDefault("llm.rate_limit_per_minute", def.LLM.RateLimitPerMinute)
	v.SetDefault("llm.rate_limit_per_day", def.LLM.RateLimitPerDay)
	v.SetDefault("llm.prompt_version", def.LLM.PromptVersion)

	v.SetDefault("extraction.count", def.Extraction.Count)
	v.SetDefault("extraction.heartbeat_ttl", def.Extraction.HeartbeatTTL)
	v.SetDefault("extraction.max_retries", def.Extraction.MaxRetries)
	v.SetDefault("extraction.backoff.base", def.Extraction.Backoff.Base)
	v.SetDefault("extraction.backoff.max", def.Extraction.Backoff.Max)
	v.SetDefault("extraction.queue_key", def.Extraction.QueueKey)
	v.SetDefault("extraction.processing_list_pattern", def.Extraction.ProcessingListPattern)
	v.SetDefault("extraction.heartbeat_key_pattern", def.Extraction.HeartbeatKeyPattern)
	v.SetDefault("extraction.dead_letter_list", def.Extraction.DeadLetterList)
	v.SetDefault("extraction.brpoplpush_timeout", def.Extraction.BRPopLPushTimeout)
	v.SetDefault("extraction.breaker_pause", def.Extraction.BreakerPause)

	v.SetDefault("aggregation.count_per_tier", def.Aggregation.CountPerTier)
	v.SetDefault("aggregation.heartbeat_ttl", def.Aggregation.HeartbeatTTL)
	v.SetDefault("aggregation.max_retries", def.Aggregation.MaxRetries)
	v.SetDefault("aggregation.backoff.base", def.Aggregation.Backoff.Base)
	v.SetDefault("aggregation.backoff.max", def.Aggregation.Backoff.Max)
	v.SetDefault("aggregation.queue_key_pattern", def.Aggregation.QueueKeyPattern)
	v.SetDefault("aggregation.processing_list_pattern", def.Aggregation.ProcessingListPattern)
	v.SetDefault("aggregation.heartbeat_key_pattern", def.Aggregation.HeartbeatKeyPattern)
	v.SetDefault("aggregation.dead_letter_list_pattern", def.Aggregation.DeadLetterListPattern)
	v.SetDefault("aggregation.brpoplpush_timeout", def.Aggregation.BRPopLPushTimeout)
	v.SetDefault("aggregation.breaker_pause", def.Aggregation.BreakerPause)
	v.SetDefault("aggregation.week_start_weekday", def.Aggregation.WeekStartWeekday)

	v.SetDefault("coordinator.pubsub_channel", def.Coordinator.PubSubChannel)
	v.SetDefault("coordinator.pipeline_state_id", def.Coordinator.PipelineStateID)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("cache.default_ttl", def.Cache.DefaultTTL)
	v.SetDefault("cache.key_prefix", def.Cache.KeyPrefix)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Extraction.Count < 1 {
		return fmt.Errorf("extraction.count must be >= 1")
	}
	if cfg.Extraction.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("extraction.heartbeat_ttl must be >= 5s")
	}
	if cfg.Extraction.BRPopLPushTimeout <= 0 || cfg.Extraction.BRPopLPushTimeout > cfg.Extraction.HeartbeatTTL/2 {
		return fmt.Errorf("extraction.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Aggregation.CountPerTier < 1 {
		return fmt.Errorf("aggregation.count_per_tier must be >= 1")
	}
	if cfg.Aggregation.WeekStartWeekday < 0 || cfg.Aggregation.WeekStartWeekday > 6 {
		return fmt.Errorf("aggregation.week_start_weekday must be 0..6")
	}
	if cfg.LLM.RateLimitPerMinute < 1 {
		return fmt.Errorf("llm.rate_limit_per_minute must be >= 1")
	}
	if cfg.LLM.RateLimitPerDay < 1 {
		return fmt.Errorf("llm.rate_limit_per_day must be >= 1")
	}
	if cfg.LLM.RetryCeiling < 0 {
		return fmt.Errorf("llm.retry_ceiling must be >= 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
