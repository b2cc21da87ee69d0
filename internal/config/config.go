// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the connection shared by the repository layer, the
// session pool's distributed lock, and the canary controller's state store.
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

// SQL configures the optional relational reference repository (§5 Domain
// Stack). Driver selects among postgres, mysql, and sqlite3.
type SQL struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ClickHouse configures the optional analytics-tier repository used by the
// Statistical Comparator for large-window percentile queries (§5).
type ClickHouse struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Backoff is a base/max exponential backoff pair.
type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// SessionPool configures the C1 Session Pool (§4.1).
type SessionPool struct {
	Capacity        int           `mapstructure:"capacity"`
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
}

// Sandbox configures the C2 Sandbox Runtime Adapter (§4.2).
type Sandbox struct {
	Endpoints       map[string]string `mapstructure:"endpoints"`
	CallTimeout     time.Duration     `mapstructure:"call_timeout"`
	HandshakeTimeout time.Duration    `mapstructure:"handshake_timeout"`
	WorkspaceRoot   string            `mapstructure:"workspace_root"`
}

// Executor configures the C3/C4 Executor and Batch Executor (§4.3/§4.4).
type Executor struct {
	BatchConcurrencyMax int           `mapstructure:"batch_concurrency_max"`
	DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
	CompressPayloads    bool          `mapstructure:"compress_payloads"`
	RateLimit           RateLimit     `mapstructure:"rate_limit"`
}

// RateLimit configures the per-task token bucket gating Execute calls
// (§5 Domain Stack); BatchExecute items are not counted against it.
// RatePerSecond of 0 disables rate limiting.
type RateLimit struct {
	RatePerSecond int64         `mapstructure:"rate_per_second"`
	BurstSize     int64         `mapstructure:"burst_size"`
	KeyTTL        time.Duration `mapstructure:"key_ttl"`
}

// Sampling configures the C5 Sampling Decider (§4.5).
type Sampling struct {
	DefaultRate       float64 `mapstructure:"default_rate"`
	FeedbackWindow    int     `mapstructure:"feedback_window"`
	AdaptiveMaxRate   float64 `mapstructure:"adaptive_max_rate"`
	DiversityMinRate  float64 `mapstructure:"diversity_min_rate"`
}

// Comparator configures the C7 Statistical Comparator (§4.7).
type Comparator struct {
	SignificanceAlpha  float64       `mapstructure:"significance_alpha"`
	MinSampleSize      int           `mapstructure:"min_sample_size"`
	PerformanceWeight  float64       `mapstructure:"performance_weight"`
	AccuracyWeight     float64       `mapstructure:"accuracy_weight"`
	MaxDegradation     float64       `mapstructure:"max_degradation"`
	MinImprovement     float64       `mapstructure:"min_improvement"`
	RequiredConfidence float64       `mapstructure:"required_confidence"`
	ValidationWindow   time.Duration `mapstructure:"validation_window"`
}

// Canary configures the C8 Canary Controller (§4.8).
type Canary struct {
	AutoProgressCron    string        `mapstructure:"auto_progress_cron"`
	StageSoakDuration   time.Duration `mapstructure:"stage_soak_duration"`
	RollbackOnErrorRate float64       `mapstructure:"rollback_on_error_rate"`
	WebhookURLs         []string      `mapstructure:"webhook_urls"`
	WebhookCooldown     time.Duration `mapstructure:"webhook_cooldown"`
}

// Orchestrator configures the C9 Improvement Orchestrator (§4.9).
type Orchestrator struct {
	WatchCron          string        `mapstructure:"watch_cron"`
	WatchWindow        time.Duration `mapstructure:"watch_window"`
	MinFailureCount    int           `mapstructure:"min_failure_count"`
	MaxValidationRate  float64       `mapstructure:"max_validation_rate"`
	GeneratorRetries   int           `mapstructure:"generator_retries"`
	GeneratorBackoff   time.Duration `mapstructure:"generator_backoff"`
}

// CircuitBreaker configures per-language sandbox transport breaking (§7).
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort  int           `mapstructure:"metrics_port"`
	LogLevel     string        `mapstructure:"log_level"`
	Tracing      TracingConfig `mapstructure:"tracing"`
	PoolSampleInterval time.Duration `mapstructure:"pool_sample_interval"`
}

type Config struct {
	Redis          Redis               `mapstructure:"redis"`
	SQL            SQL                 `mapstructure:"sql"`
	ClickHouse     ClickHouse          `mapstructure:"clickhouse"`
	SessionPool    SessionPool         `mapstructure:"session_pool"`
	Sandbox        Sandbox             `mapstructure:"sandbox"`
	Executor       Executor            `mapstructure:"executor"`
	Sampling       Sampling            `mapstructure:"sampling"`
	Comparator     Comparator          `mapstructure:"comparator"`
	Canary         Canary              `mapstructure:"canary"`
	Orchestrator   Orchestrator        `mapstructure:"orchestrator"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
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
		SQL: SQL{
			Driver:          "",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ClickHouse: ClickHouse{Enabled: false},
		SessionPool: SessionPool{
			Capacity:       50,
			IdleTTL:        5 * time.Minute,
			MaxLifetime:    30 * time.Minute,
			AcquireTimeout: 10 * time.Second,
			ReapInterval:   30 * time.Second,
		},
		Sandbox: Sandbox{
			Endpoints: map[string]string{
				"python":     "ws://localhost:9101/sandbox",
				"javascript": "ws://localhost:9102/sandbox",
				"typescript": "ws://localhost:9103/sandbox",
				"go":         "ws://localhost:9104/sandbox",
				"csharp":     "ws://localhost:9105/sandbox",
			},
			CallTimeout:      30 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			WorkspaceRoot:    "/workspace",
		},
		Executor: Executor{
			BatchConcurrencyMax: 100,
			DefaultTimeout:      30 * time.Second,
			CompressPayloads:    true,
			RateLimit: RateLimit{
				RatePerSecond: 0,
				BurstSize:     50,
				KeyTTL:        time.Hour,
			},
		},
		Sampling: Sampling{
			DefaultRate:      0.1,
			FeedbackWindow:   10,
			AdaptiveMaxRate:  1.0,
			DiversityMinRate: 0.01,
		},
		Comparator: Comparator{
			SignificanceAlpha: 0.05,
			MinSampleSize:     100,
			PerformanceWeight: 0.4,
			AccuracyWeight:    0.6,
			MaxDegradation:     0.05,
			MinImprovement:     0.02,
			RequiredConfidence: 0.95,
			ValidationWindow:   24 * time.Hour,
		},
		Canary: Canary{
			AutoProgressCron:    "*/5 * * * *",
			StageSoakDuration:   15 * time.Minute,
			RollbackOnErrorRate: 0.1,
			WebhookCooldown:     5 * time.Minute,
		},
		Orchestrator: Orchestrator{
			WatchCron:         "*/1 * * * *",
			WatchWindow:       1 * time.Hour,
			MinFailureCount:   5,
			MaxValidationRate: 0.7,
			GeneratorRetries:  3,
			GeneratorBackoff:  2 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: ObservabilityConfig{
			MetricsPort:        9090,
			LogLevel:           "info",
			Tracing:            TracingConfig{Enabled: false},
			PoolSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file with environment overrides,
// mirroring the teacher's viper-based loader.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LOOPAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

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

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("sql.max_open_conns", def.SQL.MaxOpenConns)
	v.SetDefault("sql.max_idle_conns", def.SQL.MaxIdleConns)
	v.SetDefault("sql.conn_max_lifetime", def.SQL.ConnMaxLifetime)

	v.SetDefault("clickhouse.enabled", def.ClickHouse.Enabled)

	v.SetDefault("session_pool.capacity", def.SessionPool.Capacity)
	v.SetDefault("session_pool.idle_ttl", def.SessionPool.IdleTTL)
	v.SetDefault("session_pool.max_lifetime", def.SessionPool.MaxLifetime)
	v.SetDefault("session_pool.acquire_timeout", def.SessionPool.AcquireTimeout)
	v.SetDefault("session_pool.reap_interval", def.SessionPool.ReapInterval)

	v.SetDefault("sandbox.endpoints", def.Sandbox.Endpoints)
	v.SetDefault("sandbox.call_timeout", def.Sandbox.CallTimeout)
	v.SetDefault("sandbox.handshake_timeout", def.Sandbox.HandshakeTimeout)
	v.SetDefault("sandbox.workspace_root", def.Sandbox.WorkspaceRoot)

	v.SetDefault("executor.batch_concurrency_max", def.Executor.BatchConcurrencyMax)
	v.SetDefault("executor.default_timeout", def.Executor.DefaultTimeout)
	v.SetDefault("executor.compress_payloads", def.Executor.CompressPayloads)
	v.SetDefault("executor.rate_limit.rate_per_second", def.Executor.RateLimit.RatePerSecond)
	v.SetDefault("executor.rate_limit.burst_size", def.Executor.RateLimit.BurstSize)
	v.SetDefault("executor.rate_limit.key_ttl", def.Executor.RateLimit.KeyTTL)

	v.SetDefault("sampling.default_rate", def.Sampling.DefaultRate)
	v.SetDefault("sampling.feedback_window", def.Sampling.FeedbackWindow)
	v.SetDefault("sampling.adaptive_max_rate", def.Sampling.AdaptiveMaxRate)
	v.SetDefault("sampling.diversity_min_rate", def.Sampling.DiversityMinRate)

	v.SetDefault("comparator.significance_alpha", def.Comparator.SignificanceAlpha)
	v.SetDefault("comparator.min_sample_size", def.Comparator.MinSampleSize)
	v.SetDefault("comparator.performance_weight", def.Comparator.PerformanceWeight)
	v.SetDefault("comparator.accuracy_weight", def.Comparator.AccuracyWeight)
	v.SetDefault("comparator.max_degradation", def.Comparator.MaxDegradation)
	v.SetDefault("comparator.min_improvement", def.Comparator.MinImprovement)
	v.SetDefault("comparator.required_confidence", def.Comparator.RequiredConfidence)
	v.SetDefault("comparator.validation_window", def.Comparator.ValidationWindow)

	v.SetDefault("canary.auto_progress_cron", def.Canary.AutoProgressCron)
	v.SetDefault("canary.stage_soak_duration", def.Canary.StageSoakDuration)
	v.SetDefault("canary.rollback_on_error_rate", def.Canary.RollbackOnErrorRate)
	v.SetDefault("canary.webhook_urls", def.Canary.WebhookURLs)
	v.SetDefault("canary.webhook_cooldown", def.Canary.WebhookCooldown)

	v.SetDefault("orchestrator.watch_cron", def.Orchestrator.WatchCron)
	v.SetDefault("orchestrator.watch_window", def.Orchestrator.WatchWindow)
	v.SetDefault("orchestrator.min_failure_count", def.Orchestrator.MinFailureCount)
	v.SetDefault("orchestrator.max_validation_rate", def.Orchestrator.MaxValidationRate)
	v.SetDefault("orchestrator.generator_retries", def.Orchestrator.GeneratorRetries)
	v.SetDefault("orchestrator.generator_backoff", def.Orchestrator.GeneratorBackoff)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.pool_sample_interval", def.Observability.PoolSampleInterval)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.SessionPool.Capacity < 1 {
		return fmt.Errorf("session_pool.capacity must be >= 1")
	}
	if cfg.SessionPool.IdleTTL <= 0 {
		return fmt.Errorf("session_pool.idle_ttl must be > 0")
	}
	if cfg.Executor.BatchConcurrencyMax < 1 || cfg.Executor.BatchConcurrencyMax > 100 {
		return fmt.Errorf("executor.batch_concurrency_max must be 1..100")
	}
	if cfg.Sampling.DefaultRate < 0 || cfg.Sampling.DefaultRate > 1 {
		return fmt.Errorf("sampling.default_rate must be 0..1")
	}
	if cfg.Comparator.SignificanceAlpha <= 0 || cfg.Comparator.SignificanceAlpha >= 1 {
		return fmt.Errorf("comparator.significance_alpha must be in (0,1)")
	}
	if w := cfg.Comparator.PerformanceWeight + cfg.Comparator.AccuracyWeight; w < 0.999 || w > 1.001 {
		return fmt.Errorf("comparator.performance_weight + accuracy_weight must sum to 1.0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if len(cfg.Sandbox.Endpoints) == 0 {
		return fmt.Errorf("sandbox.endpoints must be non-empty")
	}
	return nil
}
