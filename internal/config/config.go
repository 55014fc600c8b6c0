// Package config loads tool configuration from a YAML file with
// environment overrides, including a .env file when present.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"credman/internal/classify"
)

// ProviderConfig identifies the authorization server and client.
type ProviderConfig struct {
	Issuer                string   `yaml:"issuer" env:"CREDMAN_ISSUER"`
	ClientID              string   `yaml:"client_id" env:"CREDMAN_CLIENT_ID"`
	AuthorizationEndpoint string   `yaml:"authorization_endpoint" env:"CREDMAN_AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string   `yaml:"token_endpoint" env:"CREDMAN_TOKEN_ENDPOINT"`
	DeviceEndpoint        string   `yaml:"device_endpoint" env:"CREDMAN_DEVICE_ENDPOINT"`
	Scopes                []string `yaml:"scopes" env:"CREDMAN_SCOPES" envSeparator:" "`
}

// FlowConfig tunes interactive authorization.
type FlowConfig struct {
	ForceDevice bool          `yaml:"force_device" env:"CREDMAN_FORCE_DEVICE"`
	NoBrowser   bool          `yaml:"no_browser" env:"CREDMAN_NO_BROWSER"`
	GrantTTL    time.Duration `yaml:"grant_ttl" env:"CREDMAN_GRANT_TTL"`
	Incremental bool          `yaml:"incremental_consent" env:"CREDMAN_INCREMENTAL_CONSENT"`
}

// RefreshConfig tunes renewal timing.
type RefreshConfig struct {
	Skew        time.Duration `yaml:"skew" env:"CREDMAN_REFRESH_SKEW"`
	RetryBudget int           `yaml:"retry_budget" env:"CREDMAN_RETRY_BUDGET"`
	RetryBase   time.Duration `yaml:"retry_base" env:"CREDMAN_RETRY_BASE"`
	RetryCap    time.Duration `yaml:"retry_cap" env:"CREDMAN_RETRY_CAP"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" env:"CREDMAN_STORE_BACKEND"`
	Dir     string `yaml:"dir" env:"CREDMAN_STORE_DIR"`
	Service string `yaml:"service" env:"CREDMAN_KEYRING_SERVICE"`
}

// Config is the full tool configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Flow     FlowConfig     `yaml:"flow"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Store    StoreConfig    `yaml:"store"`
	Subject  string         `yaml:"subject" env:"CREDMAN_SUBJECT"`
	LogLevel string         `yaml:"log_level" env:"CREDMAN_LOG_LEVEL"`
}

// Default returns the built-in configuration before any file or
// environment overrides.
func Default() *Config {
	return &Config{
		Flow: FlowConfig{
			GrantTTL: 10 * time.Minute,
		},
		Refresh: RefreshConfig{
			Skew:        5 * time.Minute,
			RetryBudget: 4,
			RetryBase:   500 * time.Millisecond,
			RetryCap:    30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "auto",
		},
		LogLevel: "info",
	}
}

// DefaultConfigPath is where Load looks when no path is given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "credman", "config.yaml")
}

// Load layers configuration: defaults, then the YAML file, then a
// .env file in the working directory, then process environment
// variables. A missing file at the default path is not an error; an
// explicitly given path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, classify.New(classify.KindMisconfigured,
				fmt.Errorf("failed to parse %s: %w", path, err))
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, classify.New(classify.KindMisconfigured,
			fmt.Errorf("failed to read config: %w", err))
	}

	// Overrides from a local .env file, then the real environment.
	_ = godotenv.Load()
	if err := env.Parse(cfg); err != nil {
		return nil, classify.New(classify.KindMisconfigured,
			fmt.Errorf("failed to parse environment overrides: %w", err))
	}

	cfg.applyDerived()
	return cfg, nil
}

// applyDerived fills values computable from others.
func (c *Config) applyDerived() {
	if c.Subject == "" && c.Provider.Issuer != "" {
		subject := c.Provider.Issuer
		if u, err := url.Parse(c.Provider.Issuer); err == nil && u.Host != "" {
			subject = u.Host
		}
		if c.Provider.ClientID != "" {
			subject += "/" + c.Provider.ClientID
		}
		c.Subject = subject
	}
}

// Validate checks the configuration is complete enough to run.
func (c *Config) Validate() error {
	if c.Provider.ClientID == "" {
		return classify.New(classify.KindMisconfigured,
			errors.New("provider.client_id is required"))
	}
	if c.Provider.Issuer == "" && c.Provider.TokenEndpoint == "" {
		return classify.New(classify.KindMisconfigured,
			errors.New("either provider.issuer or provider.token_endpoint is required"))
	}
	if c.Refresh.RetryBudget < 1 {
		return classify.New(classify.KindMisconfigured,
			errors.New("refresh.retry_budget must be at least 1"))
	}
	return nil
}
