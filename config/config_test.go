package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trustwork.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddress != ":8545" || cfg.Storage.Backend != "leveldb" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if !strings.Contains(string(data), "[escrow]") || !strings.Contains(string(data), `read_timeout = "15s"`) {
		t.Fatalf("unexpected default file:\n%s", data)
	}
}

func TestLoadParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustwork.toml")
	contents := `[server]
listen = "127.0.0.1:9000"
read_timeout = "3s"

[storage]
backend = "BOLT"
path = "./ledger.db"

[auth]
enabled = true
hmac_secret = "topsecret"
admin_scope = "ops"

[escrow]
arbiter = "0x00000000000000000000000000000000000000aa"
max_milestones = 4
denied_recipients = ["0x00000000000000000000000000000000000000bb"]

[webhooks]
endpoint = "https://hooks.example.com/escrow"
secret = "whsec"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:9000" || cfg.Server.ReadTimeout.Duration != 3*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Storage.Backend != "bolt" {
		t.Fatalf("backend not normalised: %q", cfg.Storage.Backend)
	}
	if cfg.Auth.Secret() != "topsecret" || cfg.Auth.AdminScope != "ops" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if cfg.Escrow.MaxDescriptionLength != 512 || cfg.Escrow.MaxMilestones != 4 {
		t.Fatalf("unexpected escrow limits %+v", cfg.Escrow)
	}
	policy, err := cfg.Escrow.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.Arbiter != common.HexToAddress("0xaa") {
		t.Fatalf("unexpected arbiter %s", policy.Arbiter.Hex())
	}
	if !policy.Denies(common.HexToAddress("0xbb")) || policy.Denies(common.HexToAddress("0xcc")) {
		t.Fatalf("unexpected deny list %v", policy.DeniedRecipients)
	}
	if cfg.Webhooks.MaxAttempts != 5 {
		t.Fatalf("webhook defaults not applied: %+v", cfg.Webhooks)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustwork.yaml")
	contents := `server:
  listen: ":7000"
  write_timeout: 2m
storage:
  backend: memory
auth:
  enabled: false
rate_limit:
  requests_per_minute: 30
  burst: 5
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.WriteTimeout.Duration != 2*time.Minute || cfg.Storage.Backend != "memory" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.RateLimit.RequestsPerMinute != 30 || cfg.RateLimit.Burst != 5 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(tomlPath, []byte("[server]\nlisten = \":1\"\nbogus = 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(tomlPath); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	yamlPath := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(yamlPath, []byte("server:\n  bogus: 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(yamlPath); err == nil {
		t.Fatalf("expected yaml unknown field error")
	}
}

func TestAuthSecretPrefersEnvironment(t *testing.T) {
	t.Setenv("TRUSTWORK_TEST_SECRET", " from-env ")
	auth := AuthConfig{HMACSecret: "inline", SecretEnv: "TRUSTWORK_TEST_SECRET"}
	if got := auth.Secret(); got != "from-env" {
		t.Fatalf("unexpected secret %q", got)
	}
	auth.SecretEnv = "TRUSTWORK_UNSET_SECRET"
	if got := auth.Secret(); got != "inline" {
		t.Fatalf("expected inline fallback, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.HMACSecret = "secret"
		cfg.Auth.SecretEnv = ""
		return cfg
	}
	if err := Validate(valid()); err != nil {
		t.Fatalf("default config with secret should validate: %v", err)
	}
	cases := map[string]func(*Config){
		"empty listen":      func(c *Config) { c.Server.ListenAddress = " " },
		"unknown backend":   func(c *Config) { c.Storage.Backend = "redis" },
		"missing path":      func(c *Config) { c.Storage.Path = "" },
		"missing secret":    func(c *Config) { c.Auth.HMACSecret = "" },
		"negative rate":     func(c *Config) { c.RateLimit.Burst = -1 },
		"bad arbiter":       func(c *Config) { c.Escrow.Arbiter = "arbiter.eth" },
		"bad denied":        func(c *Config) { c.Escrow.DeniedRecipients = []string{"0x12"} },
		"bad webhook url":   func(c *Config) { c.Webhooks.Endpoint = "ftp://example.com"; c.Webhooks.Secret = "x" },
		"webhook no secret": func(c *Config) { c.Webhooks.Endpoint = "https://example.com" },
		"webhook no journal": func(c *Config) {
			c.Webhooks.Endpoint, c.Webhooks.Secret, c.EventLog.Path = "https://example.com", "x", ""
		},
		"negative timeout":  func(c *Config) { c.Server.ReadTimeout = NewDuration(-time.Second) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1500ms")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected duration %s", d.Duration)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("expected parse error")
	}
	text, _ := NewDuration(time.Minute).MarshalText()
	if string(text) != "1m0s" {
		t.Fatalf("unexpected text %q", text)
	}
}
