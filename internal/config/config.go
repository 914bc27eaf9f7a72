// Package config holds the control plane's runtime configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Database Database `mapstructure:"database"`
	Provider Provider `mapstructure:"provider"`
	Catalog  Catalog  `mapstructure:"catalog"`
	Pipeline Pipeline `mapstructure:"pipeline"`
	SSH      SSH      `mapstructure:"ssh"`
	Hub      HubCfg   `mapstructure:"hub"`
	Server   Server   `mapstructure:"server"`
}

// Database selects the backing store.
type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Provider carries cloud-side settings.
type Provider struct {
	Region  string `mapstructure:"region"`
	ImageID string `mapstructure:"image_id"`

	// BundleBucket and BundleKey locate the serving-stack bundle.
	BundleBucket string `mapstructure:"bundle_bucket"`
	BundleKey    string `mapstructure:"bundle_key"`
}

// Catalog lists the ids submissions may reference. An empty list
// leaves that dimension unrestricted.
type Catalog struct {
	ModelIDs  []uint `mapstructure:"model_ids"`
	SpecIDs   []uint `mapstructure:"spec_ids"`
	RegionIDs []uint `mapstructure:"region_ids"`
}

// Pipeline tunes the provisioning machinery.
type Pipeline struct {
	// WorkDir holds per-deployment workspaces.
	WorkDir string `mapstructure:"work_dir"`

	// IaCBinary is the infrastructure tool to invoke.
	IaCBinary string `mapstructure:"iac_binary"`

	// Workers bounds concurrent provisioning runs.
	Workers int `mapstructure:"workers"`
}

// SSH tunes remote host access.
type SSH struct {
	User        string        `mapstructure:"user"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// HubCfg tunes status fan-out.
type HubCfg struct {
	SubscriptionTimeout time.Duration `mapstructure:"subscription_timeout"`
}

// Server carries listener addresses.
type Server struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Provider.Region == "" {
		return fmt.Errorf("provider region is required")
	}
	if c.Provider.ImageID == "" {
		return fmt.Errorf("provider image_id is required")
	}
	if c.Provider.BundleBucket == "" || c.Provider.BundleKey == "" {
		return fmt.Errorf("provider bundle_bucket and bundle_key are required")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be at least 1")
	}
	return nil
}
