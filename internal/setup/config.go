package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

var ConfigDir = "/etc/carrel"
var StorageDir = "/var/carrel/"

// DefaultConfigPath is where Load looks when no path is given.
var DefaultConfigPath = filepath.Join(ConfigDir, "config.yaml")

// Config carries the engine's tunables.
type Config struct {
	DatabasePath string `yaml:"database_path"`

	LeaseTTLSeconds    int `yaml:"lease_ttl_seconds"`
	LeaseRetryAttempts int `yaml:"lease_retry_attempts"`
	LeaseRetrySleepMS  int `yaml:"lease_retry_sleep_ms"`

	// RandomizedOrdering shuffles candidate tiers instead of
	// smallest-sufficient-fit ordering.
	RandomizedOrdering bool `yaml:"randomized_ordering"`

	CacheTTLSeconds  int `yaml:"cache_ttl_seconds"`
	GridHorizonHours int `yaml:"grid_horizon_hours"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DatabasePath:       filepath.Join(StorageDir, "carrel.db"),
		LeaseTTLSeconds:    300,
		LeaseRetryAttempts: 3,
		LeaseRetrySleepMS:  250,
		CacheTTLSeconds:    60,
		GridHorizonHours:   24,
	}
}

// Load reads the YAML config at path over the defaults. A missing file
// yields the defaults; a malformed one is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			getLogger().Debug("no config file, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Verify checks that the configured storage locations are usable.
func Verify(cfg Config) error {
	dir := filepath.Dir(cfg.DatabasePath)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("database directory %s does not exist", dir)
	}
	return nil
}

// LeaseTTL returns the lease lifetime as a duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// LeaseRetrySleep returns the transient-contention retry sleep.
func (c Config) LeaseRetrySleep() time.Duration {
	return time.Duration(c.LeaseRetrySleepMS) * time.Millisecond
}

// CacheTTL returns the catalog cache lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// GridHorizon returns the default grid horizon.
func (c Config) GridHorizon() time.Duration {
	return time.Duration(c.GridHorizonHours) * time.Hour
}
