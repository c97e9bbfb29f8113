/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the pipeline configuration from YAML
// with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "15s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for the ingestion service.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database" validate:"required"`
	Redis          RedisConfig          `yaml:"redis"`
	Ingestion      IngestionConfig      `yaml:"ingestion"`
	Enrichment     EnrichmentConfig     `yaml:"enrichment"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Adapters       []AdapterConfig      `yaml:"adapters" validate:"min=1,dive"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig controls the operational HTTP endpoint.
type ServerConfig struct {
	ListenPort  string `yaml:"listen_port"`
	MetricsPath string `yaml:"metrics_path"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN             string   `yaml:"dsn" validate:"required"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the Redis connection settings for the DLQ, volume
// baselines and the verification queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// IngestionConfig tunes the orchestrator and adapters.
type IngestionConfig struct {
	ListTimeout         Duration `yaml:"list_timeout"`
	DetailTimeout       Duration `yaml:"detail_timeout"`
	DetailConcurrency   int      `yaml:"detail_concurrency"`
	DetailBatchDelay    Duration `yaml:"detail_batch_delay"`
	AdapterDeadline     Duration `yaml:"adapter_deadline"`
	YieldThresholdPct   float64  `yaml:"yield_threshold_pct" validate:"gte=0,lte=1"`
	DriftThresholdPct   float64  `yaml:"drift_threshold_pct" validate:"gte=0,lte=1"`
	BreakerTripAfter    int      `yaml:"breaker_trip_after"`
	BreakerOpenDuration Duration `yaml:"breaker_open_duration"`
}

// EnrichmentConfig tunes the risk-analysis client.
type EnrichmentConfig struct {
	Provider        string   `yaml:"provider" validate:"oneof=anthropic bedrock"`
	Model           string   `yaml:"model"`
	APIKey          string   `yaml:"api_key"`
	Timeout         Duration `yaml:"timeout"`
	TokensPerMinute int      `yaml:"tokens_per_minute"`
	Temperature     float64  `yaml:"temperature"`
	MaxTokens       int      `yaml:"max_tokens"`
}

// AlertsConfig tunes the alert engine.
type AlertsConfig struct {
	RunDelay        Duration `yaml:"run_delay"`
	CooldownDays    int      `yaml:"cooldown_days"`
	DigestCap       int      `yaml:"digest_cap"`
	SlackWebhookURL string   `yaml:"slack_webhook_url"`
}

// ReconciliationConfig schedules the end-of-day vanish sweep.
type ReconciliationConfig struct {
	Hour int `yaml:"hour" validate:"gte=0,lte=23"`
}

// AdapterConfig declares one registered source adapter.
type AdapterConfig struct {
	ID          string  `yaml:"id" validate:"required"`
	Label       string  `yaml:"label"`
	State       string  `yaml:"state" validate:"len=2"`
	Type        string  `yaml:"type" validate:"oneof=scraper api manual"`
	Endpoint    string  `yaml:"endpoint"`
	FilePath    string  `yaml:"file_path"`
	Reliability float64 `yaml:"reliability" validate:"gte=0,lte=1"`
}

// LoggingConfig controls zap construction.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultReliability is assumed for adapters configured without one.
const DefaultReliability = 0.50

// Load reads, overrides and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	for i := range config.Adapters {
		if config.Adapters[i].Reliability == 0 {
			config.Adapters[i].Reliability = DefaultReliability
		}
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenPort:  "8080",
			MetricsPath: "/metrics",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Ingestion: IngestionConfig{
			ListTimeout:         Duration(15 * time.Second),
			DetailTimeout:       Duration(5 * time.Second),
			DetailConcurrency:   5,
			DetailBatchDelay:    Duration(200 * time.Millisecond),
			AdapterDeadline:     Duration(120 * time.Second),
			YieldThresholdPct:   0.10,
			DriftThresholdPct:   0.20,
			BreakerTripAfter:    3,
			BreakerOpenDuration: Duration(time.Hour),
		},
		Enrichment: EnrichmentConfig{
			Provider:        "anthropic",
			Model:           "claude-sonnet-4-5",
			Timeout:         Duration(30 * time.Second),
			TokensPerMinute: 10,
			Temperature:     0.1,
			MaxTokens:       1024,
		},
		Alerts: AlertsConfig{
			RunDelay:     Duration(15 * time.Minute),
			CooldownDays: 7,
			DigestCap:    50,
		},
		Reconciliation: ReconciliationConfig{
			Hour: 18,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverrides(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if key := os.Getenv("RISK_SERVICE_API_KEY"); key != "" {
		config.Enrichment.APIKey = key
	}
	if port := os.Getenv("LISTEN_PORT"); port != "" {
		config.Server.ListenPort = port
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		config.Alerts.SlackWebhookURL = webhook
	}
}

// ReliabilityFor returns the configured reliability for an adapter id,
// falling back to DefaultReliability for unknown sources.
func (c *Config) ReliabilityFor(adapterID string) float64 {
	for _, a := range c.Adapters {
		if a.ID == adapterID {
			return a.Reliability
		}
	}
	return DefaultReliability
}
