package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Environment   string           `yaml:"environment"`
	DatabasePath  string           `yaml:"database"`
	PolicyPath    string           `yaml:"policy"`
	Valuation     ValuationConfig  `yaml:"valuation"`
	Settlement    SettlementConfig `yaml:"settlement"`
	RateLimits    RateLimitConfig  `yaml:"rate_limits"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
}

// ValuationConfig controls the collateral pricing integration.
type ValuationConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// SettlementConfig points at the settlement bridge confirming on-chain
// movements.
type SettlementConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RateLimitConfig bounds mutating request rates per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig wires the OTLP exporters. Headers uses the standard OTEL
// comma-separated key=value form and is forwarded to both exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Traces   bool   `yaml:"traces"`
	Metrics  bool   `yaml:"metrics"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8089",
		Environment:   "development",
		Valuation: ValuationConfig{
			FreshnessWindow: 5 * time.Minute,
			RequestTimeout:  5 * time.Second,
		},
		RateLimits: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             20,
		},
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8089"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	cfg.DatabasePath = strings.TrimSpace(cfg.DatabasePath)
	cfg.PolicyPath = strings.TrimSpace(cfg.PolicyPath)
	cfg.Valuation.Endpoint = strings.TrimSpace(cfg.Valuation.Endpoint)
	if cfg.Valuation.FreshnessWindow <= 0 {
		cfg.Valuation.FreshnessWindow = 5 * time.Minute
	}
	if cfg.Valuation.RequestTimeout <= 0 {
		cfg.Valuation.RequestTimeout = 5 * time.Second
	}
	cfg.Settlement.Endpoint = strings.TrimSpace(cfg.Settlement.Endpoint)
	if cfg.Settlement.RequestTimeout <= 0 {
		cfg.Settlement.RequestTimeout = 10 * time.Second
	}
	if cfg.RateLimits.RequestsPerMinute <= 0 {
		cfg.RateLimits.RequestsPerMinute = 120
	}
	if cfg.RateLimits.Burst <= 0 {
		cfg.RateLimits.Burst = 20
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Telemetry.Headers = strings.TrimSpace(cfg.Telemetry.Headers)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.DatabasePath == "" {
		return fmt.Errorf("database path required")
	}
	if cfg.PolicyPath == "" {
		return fmt.Errorf("policy path required")
	}
	if cfg.Valuation.Endpoint == "" {
		return fmt.Errorf("valuation endpoint required")
	}
	if cfg.Settlement.Endpoint == "" {
		return fmt.Errorf("settlement endpoint required")
	}
	return nil
}
