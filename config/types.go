package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so configuration files can use strings such as
// "5s" or "2m".
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration { return Duration{Duration: d} }

// UnmarshalText implements encoding.TextUnmarshaler for both TOML and YAML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddress   string   `toml:"listen" yaml:"listen"`
	ReadTimeout     Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64    `toml:"max_body_bytes" yaml:"max_body_bytes"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	// Backend is one of memory, leveldb or bolt.
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled    bool     `toml:"enabled" yaml:"enabled"`
	HMACSecret string   `toml:"hmac_secret" yaml:"hmac_secret"`
	SecretEnv  string   `toml:"secret_env" yaml:"secret_env"`
	Issuer     string   `toml:"issuer" yaml:"issuer"`
	Audience   string   `toml:"audience" yaml:"audience"`
	ScopeClaim string   `toml:"scope_claim" yaml:"scope_claim"`
	AdminScope string   `toml:"admin_scope" yaml:"admin_scope"`
	ClockSkew  Duration `toml:"clock_skew" yaml:"clock_skew"`
}

// RateLimitConfig bounds request throughput per caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `toml:"burst" yaml:"burst"`
}

// EscrowConfig carries the engine policy.
type EscrowConfig struct {
	Vault                string   `toml:"vault" yaml:"vault"`
	Arbiter              string   `toml:"arbiter" yaml:"arbiter"`
	MaxMilestones        int      `toml:"max_milestones" yaml:"max_milestones"`
	MaxDescriptionLength int      `toml:"max_description_length" yaml:"max_description_length"`
	DeniedRecipients     []string `toml:"denied_recipients" yaml:"denied_recipients"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Env        string `toml:"env" yaml:"env"`
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"insecure" yaml:"insecure"`
	// Headers uses the OTEL_EXPORTER_OTLP_HEADERS format: k=v,k2=v2.
	Headers string `toml:"headers" yaml:"headers"`
	Traces  bool   `toml:"traces" yaml:"traces"`
	Metrics bool   `toml:"metrics" yaml:"metrics"`
}

// EventLogConfig points at the sqlite event journal. An empty path disables it.
type EventLogConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// WebhookConfig configures outbound event delivery. An empty endpoint
// disables it.
type WebhookConfig struct {
	Endpoint    string   `toml:"endpoint" yaml:"endpoint"`
	Secret      string   `toml:"secret" yaml:"secret"`
	SecretEnv   string   `toml:"secret_env" yaml:"secret_env"`
	MaxAttempts int      `toml:"max_attempts" yaml:"max_attempts"`
	Backoff     Duration `toml:"backoff" yaml:"backoff"`
	Timeout     Duration `toml:"timeout" yaml:"timeout"`
	QueueSize   int      `toml:"queue_size" yaml:"queue_size"`
}
