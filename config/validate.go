package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks the loaded configuration for values the daemon cannot run
// with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.Server.ListenAddress) == "" {
		return fmt.Errorf("server: listen address required")
	}
	if cfg.Server.ReadTimeout.Duration < 0 || cfg.Server.WriteTimeout.Duration < 0 || cfg.Server.IdleTimeout.Duration < 0 {
		return fmt.Errorf("server: timeouts must not be negative")
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb", "bolt":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage: path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unsupported backend %q", cfg.Storage.Backend)
	}
	if cfg.Auth.Enabled && cfg.Auth.Secret() == "" {
		return fmt.Errorf("auth: hmac secret required when auth is enabled (set hmac_secret or %s)", cfg.Auth.SecretEnv)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if _, err := cfg.Escrow.Policy(); err != nil {
		return err
	}
	if endpoint := strings.TrimSpace(cfg.Webhooks.Endpoint); endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("webhooks: endpoint must be an http(s) url")
		}
		if cfg.Webhooks.ResolvedSecret() == "" {
			return fmt.Errorf("webhooks: secret required when endpoint is set")
		}
		if strings.TrimSpace(cfg.EventLog.Path) == "" {
			return fmt.Errorf("webhooks: eventlog path required when endpoint is set")
		}
	}
	return nil
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("escrow: %s %q is not a hex address", field, raw)
	}
	return common.HexToAddress(trimmed), nil
}
