package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scanflow/models"
)

type Config struct {
	Scanflow     ScanflowConfig     `yaml:"scanflow"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Scanner      ScannerConfig      `yaml:"scanner"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Batch        BatchConfig        `yaml:"batch"`
	Coordinator  CoordinatorConfig  `yaml:"coordinator"`
	Watchlist    WatchlistConfig    `yaml:"watchlist"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ScanflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
	ReportInterval time.Duration    `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

// ScannerConfig describes the external scan service endpoint.
type ScannerConfig struct {
	URL        string          `yaml:"url"`
	WSURL      string          `yaml:"ws_url"`
	Timeout    time.Duration   `yaml:"timeout"`
	MaxRetries int             `yaml:"max_retries"`
	Pacing     RateLimitConfig `yaml:"pacing"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
}

type BackpressureConfig struct {
	Strategy           string               `yaml:"strategy"`
	RequestsPerSecond  float64              `yaml:"requests_per_second"`
	BurstSize          int                  `yaml:"burst_size"`
	TargetResponseTime time.Duration        `yaml:"target_response_time"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type BatchConfig struct {
	Size                 int           `yaml:"size"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
}

type CoordinatorConfig struct {
	MaxConcurrentScans int           `yaml:"max_concurrent_scans"`
	QueueSize          int           `yaml:"queue_size"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	JanitorInterval    time.Duration `yaml:"janitor_interval"`
}

// WatchlistConfig drives the periodic scan loop in main. Filters use the
// same shape as the scanner wire format.
type WatchlistConfig struct {
	Enabled  bool                `yaml:"enabled"`
	Symbols  []string            `yaml:"symbols"`
	Interval time.Duration       `yaml:"interval"`
	Filters  []models.ScanFilter `yaml:"filters"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// DefaultConfigPath is where the service looks for its configuration
// when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override scanner endpoints from environment variables if available
	if v := os.Getenv("SCANNER_URL"); v != "" {
		config.Scanner.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SCANNER_WS_URL"); v != "" {
		config.Scanner.WSURL = strings.TrimSpace(v)
	}

	config.Scanner.URL = strings.TrimSpace(config.Scanner.URL)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
		},
		Channels: ChannelsConfig{
			EventBuffer: 100,
		},
		Scanner: ScannerConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 45,
			BurstSize:         45,
		},
		Backpressure: BackpressureConfig{
			Strategy:           "token_bucket",
			RequestsPerSecond:  10,
			BurstSize:          20,
			TargetResponseTime: time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
			},
		},
		Batch: BatchConfig{
			Size:                 10,
			Timeout:              500 * time.Millisecond,
			MaxConcurrentBatches: 3,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentScans: 5,
			QueueSize:          100,
			CacheTTL:           5 * time.Minute,
			JanitorInterval:    time.Minute,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Scanflow.Name == "" {
		return fmt.Errorf("scanflow.name is required")
	}

	if cfg.Scanflow.Version == "" {
		return fmt.Errorf("scanflow.version is required")
	}

	if cfg.Scanner.URL == "" {
		return fmt.Errorf("scanner.url is required")
	}

	if cfg.Scanner.MaxRetries < 0 {
		return fmt.Errorf("scanner.max_retries must not be negative")
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be greater than 0")
	}

	switch cfg.Backpressure.Strategy {
	case "fixed_window", "sliding_window", "token_bucket", "adaptive":
	default:
		return fmt.Errorf("backpressure.strategy '%s' is invalid", cfg.Backpressure.Strategy)
	}
	if cfg.Backpressure.RequestsPerSecond <= 0 {
		return fmt.Errorf("backpressure.requests_per_second must be greater than 0")
	}
	if cfg.Backpressure.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("backpressure.circuit_breaker.failure_threshold must be greater than 0")
	}
	if cfg.Backpressure.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("backpressure.circuit_breaker.recovery_timeout must be greater than 0")
	}

	if cfg.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be greater than 0")
	}
	if cfg.Batch.Timeout <= 0 {
		return fmt.Errorf("batch.timeout must be greater than 0")
	}
	if cfg.Batch.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("batch.max_concurrent_batches must be greater than 0")
	}

	if cfg.Coordinator.MaxConcurrentScans <= 0 {
		return fmt.Errorf("coordinator.max_concurrent_scans must be greater than 0")
	}
	if cfg.Coordinator.CacheTTL <= 0 {
		return fmt.Errorf("coordinator.cache_ttl must be greater than 0")
	}

	if env := AppEnvironment(); IsProductionLike(env) {
		if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
			return fmt.Errorf("metrics.cloudwatch.region is required in %s", env)
		}
	}

	if cfg.Watchlist.Enabled {
		if len(cfg.Watchlist.Symbols) == 0 {
			return fmt.Errorf("watchlist.symbols is required when the watchlist is enabled")
		}
		if cfg.Watchlist.Interval <= 0 {
			return fmt.Errorf("watchlist.interval must be greater than 0 when the watchlist is enabled")
		}
	}

	return nil
}
