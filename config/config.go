package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Escrow    EscrowConfig    `toml:"escrow" yaml:"escrow"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	EventLog  EventLogConfig  `toml:"eventlog" yaml:"eventlog"`
	Webhooks  WebhookConfig   `toml:"webhooks" yaml:"webhooks"`
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8545",
			ReadTimeout:     NewDuration(15 * time.Second),
			WriteTimeout:    NewDuration(15 * time.Second),
			IdleTimeout:     NewDuration(60 * time.Second),
			ShutdownTimeout: NewDuration(10 * time.Second),
			MaxBodyBytes:    1 << 20,
		},
		Storage: StorageConfig{Backend: "leveldb", Path: "./trustwork-data/ledger"},
		Auth: AuthConfig{
			Enabled:    true,
			SecretEnv:  "TRUSTWORK_JWT_SECRET",
			Issuer:     "trustwork",
			Audience:   "trustwork-api",
			ScopeClaim: "scope",
			AdminScope: "escrow:admin",
			ClockSkew:  NewDuration(30 * time.Second),
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
		Escrow: EscrowConfig{
			MaxMilestones:        64,
			MaxDescriptionLength: 512,
			DeniedRecipients:     []string{},
		},
		Logging:   LoggingConfig{Env: "local", Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Telemetry: TelemetryConfig{Endpoint: "localhost:4318", Insecure: true},
		EventLog:  EventLogConfig{Path: "./trustwork-data/events.db"},
		Webhooks: WebhookConfig{
			MaxAttempts: 5,
			Backoff:     NewDuration(500 * time.Millisecond),
			Timeout:     NewDuration(5 * time.Second),
			QueueSize:   256,
		},
	}
}

// Load loads the configuration from the given path. Files ending in .yaml or
// .yml are decoded as YAML, everything else as TOML. A missing file is created
// with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}
	}

	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := Default()
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if strings.TrimSpace(c.Auth.ScopeClaim) == "" {
		c.Auth.ScopeClaim = defaults.Auth.ScopeClaim
	}
	if c.Escrow.MaxMilestones <= 0 {
		c.Escrow.MaxMilestones = defaults.Escrow.MaxMilestones
	}
	if c.Escrow.MaxDescriptionLength <= 0 {
		c.Escrow.MaxDescriptionLength = defaults.Escrow.MaxDescriptionLength
	}
	if c.Escrow.DeniedRecipients == nil {
		c.Escrow.DeniedRecipients = []string{}
	}
	if c.Webhooks.MaxAttempts <= 0 {
		c.Webhooks.MaxAttempts = defaults.Webhooks.MaxAttempts
	}
	if c.Webhooks.Timeout.Duration <= 0 {
		c.Webhooks.Timeout = defaults.Webhooks.Timeout
	}
	if c.Webhooks.QueueSize <= 0 {
		c.Webhooks.QueueSize = defaults.Webhooks.QueueSize
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Secret resolves the JWT signing secret, preferring the environment variable
// named by SecretEnv.
func (a AuthConfig) Secret() string {
	if env := strings.TrimSpace(a.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(a.HMACSecret)
}

// ResolvedSecret resolves the webhook signing secret, preferring SecretEnv.
func (w WebhookConfig) ResolvedSecret() string {
	if env := strings.TrimSpace(w.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(w.Secret)
}
