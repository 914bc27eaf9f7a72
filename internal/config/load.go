package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// LoadFile reads and parses the configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Pipeline.WorkDir == "" {
		cfg.Pipeline.WorkDir = "/var/lib/modelplane/workspaces"
	}
	if cfg.Pipeline.IaCBinary == "" {
		cfg.Pipeline.IaCBinary = "terraform"
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.SSH.User == "" {
		cfg.SSH.User = "ubuntu"
	}
	if cfg.SSH.MaxAttempts == 0 {
		cfg.SSH.MaxAttempts = 10
	}
	if cfg.SSH.RetryDelay == 0 {
		cfg.SSH.RetryDelay = 30 * time.Second
	}
	if cfg.SSH.DialTimeout == 0 {
		cfg.SSH.DialTimeout = 10 * time.Second
	}
	if cfg.Hub.SubscriptionTimeout == 0 {
		cfg.Hub.SubscriptionTimeout = time.Hour
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
}
