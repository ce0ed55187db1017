// ABOUTME: Configuration for userdatad loaded from YAML or JSON with env overrides.
// ABOUTME: Selects the storage backend, auth providers, rate limits and logging.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds userdatad settings.
type Config struct {
	// DatabaseURL switches storage to Postgres; empty keeps rows in PocketBase.
	DatabaseURL   string          `json:"database_url" yaml:"database_url"`
	TrustedProxy  bool            `json:"trusted_proxy" yaml:"trusted_proxy"`
	RateLimit     RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	AuthRateLimit RateLimitConfig `json:"auth_rate_limit" yaml:"auth_rate_limit"`
	TokenTTL      time.Duration   `json:"token_ttl" yaml:"token_ttl"`
	OIDC          OIDCConfig      `json:"oidc" yaml:"oidc"`
	Log           LogConfig       `json:"log" yaml:"log"`
}

// OIDCConfig enables bearer tokens from an external identity provider.
type OIDCConfig struct {
	ProviderURL string `json:"provider_url" yaml:"provider_url"`
	ClientID    string `json:"client_id" yaml:"client_id"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	File   string `json:"file" yaml:"file"`
}

// DefaultConfig returns settings for a local single-node deployment.
func DefaultConfig() Config {
	return Config{
		RateLimit:     DefaultRateLimitConfig(),
		AuthRateLimit: AuthRateLimitConfig(),
		TokenTTL:      24 * time.Hour,
		Log:           LogConfig{Level: "info", Format: "auto"},
	}
}

// LoadConfig reads path (YAML by extension, JSON otherwise) over the
// defaults. An empty path yields defaults plus env overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path) //nolint:gosec // Operator-supplied config path.
	if err != nil {
		return fmt.Errorf("open config file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode YAML config file %s: %w", path, err)
		}
		return nil
	}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode JSON config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("USERDATAD_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if getenv("TRUSTED_PROXY") == "1" {
		cfg.TrustedProxy = true
	}
	if v := strings.TrimSpace(getenv("USERDATAD_OIDC_PROVIDER_URL")); v != "" {
		cfg.OIDC.ProviderURL = v
	}
	if v := strings.TrimSpace(getenv("USERDATAD_OIDC_CLIENT_ID")); v != "" {
		cfg.OIDC.ClientID = v
	}
	if v := strings.TrimSpace(getenv("USERDATAD_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(getenv("USERDATAD_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("USERDATAD_TOKEN_TTL: %w", err)
		}
		cfg.TokenTTL = d
	}
	if v := strings.TrimSpace(getenv("USERDATAD_RATE_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("USERDATAD_RATE_BURST: %w", err)
		}
		cfg.RateLimit.Burst = n
	}
	return nil
}
