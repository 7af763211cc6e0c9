package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

const validConfig = `
scanflow:
  name: scanflow
  version: 1.0.0
scanner:
  url: http://localhost:8000
  timeout: 10s
  max_retries: 2
backpressure:
  strategy: adaptive
  requests_per_second: 8
batch:
  size: 5
  timeout: 250ms
watchlist:
  enabled: true
  symbols: [SPY, QQQ]
  interval: 1m
  filters:
    - type: delta
      params:
        min: 0.25
        max: 0.35
`

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, validConfig)
	t.Setenv("SCANNER_URL", "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Scanner.URL != "http://localhost:8000" {
		t.Errorf("unexpected scanner url: %s", cfg.Scanner.URL)
	}
	if cfg.Scanner.Timeout != 10*time.Second {
		t.Errorf("unexpected scanner timeout: %v", cfg.Scanner.Timeout)
	}
	if cfg.Backpressure.Strategy != "adaptive" {
		t.Errorf("unexpected strategy: %s", cfg.Backpressure.Strategy)
	}
	if cfg.Backpressure.RequestsPerSecond != 8 {
		t.Errorf("unexpected backpressure rps: %v", cfg.Backpressure.RequestsPerSecond)
	}
	if cfg.Batch.Size != 5 || cfg.Batch.Timeout != 250*time.Millisecond {
		t.Errorf("unexpected batch config: %+v", cfg.Batch)
	}
	if len(cfg.Watchlist.Filters) != 1 || cfg.Watchlist.Filters[0].Type != "delta" {
		t.Errorf("unexpected watchlist filters: %+v", cfg.Watchlist.Filters)
	}

	// Defaults should survive partial configuration.
	if cfg.RateLimit.RequestsPerSecond != 45 {
		t.Errorf("expected default rate limit, got %v", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.Coordinator.CacheTTL != 5*time.Minute {
		t.Errorf("expected default cache TTL, got %v", cfg.Coordinator.CacheTTL)
	}
	if cfg.Backpressure.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold, got %d", cfg.Backpressure.CircuitBreaker.FailureThreshold)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfigFile(t, validConfig)

	t.Setenv("SCANNER_URL", "http://scanner.internal:9000")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Scanner.URL != "http://scanner.internal:9000" {
		t.Errorf("env override not applied: %s", cfg.Scanner.URL)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateConfigRejectsBadStrategy(t *testing.T) {
	path := writeConfigFile(t, `
scanflow:
  name: scanflow
  version: 1.0.0
scanner:
  url: http://localhost:8000
backpressure:
  strategy: leaky_bucket
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for unknown strategy")
	}
}

func TestValidateConfigRequiresScannerURL(t *testing.T) {
	path := writeConfigFile(t, `
scanflow:
  name: scanflow
  version: 1.0.0
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing scanner url")
	}
}
