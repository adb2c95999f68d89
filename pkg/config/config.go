// Package config handles MuninGraph configuration via environment variables
// and optional YAML files.
//
// Configuration is loaded from environment variables using LoadFromEnv() and
// can be validated with Validate() before use. All MuninGraph variables are
// prefixed with MUNINGRAPH_. A YAML file can be layered on top for deployments
// that prefer files over environment (LoadFile / LoadFileOrDefault).
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	db, err := muningraph.Open(cfg.Storage.DataDir, cfg)
//
// Environment Variables:
//
//	MUNINGRAPH_DATA_DIR                    - Data directory (default "./data")
//	MUNINGRAPH_STORE_BACKEND               - "file" or "badger" (default "file")
//	MUNINGRAPH_BADGER_SYNC_WRITES          - fsync every badger write (default false)
//	MUNINGRAPH_SYNC_INCREMENTAL_HOURS      - Incremental sync cadence (default 2)
//	MUNINGRAPH_SYNC_FULL_HOURS             - Full sync cadence (default 24)
//	MUNINGRAPH_SYNC_FULL_ENABLED           - Enable full syncs (default true)
//	MUNINGRAPH_SNAPSHOT_INTERVAL           - Autosave time trigger (default 5m)
//	MUNINGRAPH_SNAPSHOT_OP_THRESHOLD       - Autosave op-count trigger (default 500)
//	MUNINGRAPH_SHUTDOWN_GRACE              - Drain window before forced snapshot (default 5s)
//
// Configuration Priority:
//  1. Environment variables (highest)
//  2. YAML file values (when LoadFile is used)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends accepted by Storage.Backend.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Config holds all MuninGraph configuration.
//
// Configuration is organized into logical sections:
//   - Storage: data directory and snapshot store backend
//   - Sync: incremental/full cadence intervals and force overrides
//   - Persistence: autosave triggers and shutdown drain
//
// Use LoadFromEnv() or LoadFile() to create a Config; both apply defaults
// for anything unset.
type Config struct {
	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Sync cadence settings
	Sync SyncConfig `yaml:"sync"`

	// Persistence (autosave and shutdown) settings
	Persistence PersistenceConfig `yaml:"persistence"`
}

// StorageConfig holds data-directory and backend settings.
type StorageConfig struct {
	// DataDir is the directory holding the snapshot and archive files
	DataDir string `yaml:"data_dir"`
	// Backend selects the snapshot store: "file" or "badger"
	Backend string `yaml:"backend"`
	// BadgerSyncWrites forces an fsync on every badger write
	BadgerSyncWrites bool `yaml:"badger_sync_writes"`
}

// SyncConfig holds sync cadence settings. Intervals are expressed in hours
// to match the sync status wire format.
type SyncConfig struct {
	// IncrementalIntervalHours between incremental syncs
	IncrementalIntervalHours float64 `yaml:"incremental_interval_hours"`
	// FullIntervalHours between full syncs
	FullIntervalHours float64 `yaml:"full_interval_hours"`
	// EnableFullSync gates full syncs entirely; a due full sync with this
	// off degrades to an incremental sync
	EnableFullSync bool `yaml:"enable_full_sync"`

	// ForceIncrementalSync requests an incremental sync regardless of
	// cadence. Set from the CLI, never from the environment.
	ForceIncrementalSync bool `yaml:"-"`
	// ForceFullSync requests a full sync regardless of cadence.
	ForceFullSync bool `yaml:"-"`
}

// IncrementalInterval returns the incremental cadence as a duration.
func (s SyncConfig) IncrementalInterval() time.Duration {
	return time.Duration(s.IncrementalIntervalHours * float64(time.Hour))
}

// FullInterval returns the full-sync cadence as a duration.
func (s SyncConfig) FullInterval() time.Duration {
	return time.Duration(s.FullIntervalHours * float64(time.Hour))
}

// PersistenceConfig holds autosave and shutdown settings.
type PersistenceConfig struct {
	// SnapshotInterval is the elapsed-time autosave trigger (0 disables)
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// SnapshotOpThreshold is the operation-count autosave trigger (0 disables)
	SnapshotOpThreshold int `yaml:"snapshot_op_threshold"`
	// ShutdownGrace bounds the in-flight batch drain on Close; after it
	// elapses a snapshot of current state is taken anyway
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
			Backend: BackendFile,
		},
		Sync: SyncConfig{
			IncrementalIntervalHours: 2,
			FullIntervalHours:        24,
			EnableFullSync:           true,
		},
		Persistence: PersistenceConfig{
			SnapshotInterval:    5 * time.Minute,
			SnapshotOpThreshold: 500,
			ShutdownGrace:       5 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from MUNINGRAPH_* environment variables.
//
// All values have defaults, so LoadFromEnv() can be called without any
// environment variables set.
func LoadFromEnv() *Config {
	cfg := Default()

	cfg.Storage.DataDir = getEnv("MUNINGRAPH_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.Backend = strings.ToLower(getEnv("MUNINGRAPH_STORE_BACKEND", cfg.Storage.Backend))
	cfg.Storage.BadgerSyncWrites = getEnvBool("MUNINGRAPH_BADGER_SYNC_WRITES", cfg.Storage.BadgerSyncWrites)

	cfg.Sync.IncrementalIntervalHours = getEnvFloat("MUNINGRAPH_SYNC_INCREMENTAL_HOURS", cfg.Sync.IncrementalIntervalHours)
	cfg.Sync.FullIntervalHours = getEnvFloat("MUNINGRAPH_SYNC_FULL_HOURS", cfg.Sync.FullIntervalHours)
	cfg.Sync.EnableFullSync = getEnvBool("MUNINGRAPH_SYNC_FULL_ENABLED", cfg.Sync.EnableFullSync)

	cfg.Persistence.SnapshotInterval = getEnvDuration("MUNINGRAPH_SNAPSHOT_INTERVAL", cfg.Persistence.SnapshotInterval)
	cfg.Persistence.SnapshotOpThreshold = getEnvInt("MUNINGRAPH_SNAPSHOT_OP_THRESHOLD", cfg.Persistence.SnapshotOpThreshold)
	cfg.Persistence.ShutdownGrace = getEnvDuration("MUNINGRAPH_SHUTDOWN_GRACE", cfg.Persistence.ShutdownGrace)

	return cfg
}

// LoadFile loads configuration from a YAML file, applying defaults for any
// field the file omits.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFileOrDefault loads config from a file, or returns LoadFromEnv() if
// the file cannot be read.
func LoadFileOrDefault(path string) *Config {
	cfg, err := LoadFile(path)
	if err != nil {
		return LoadFromEnv()
	}
	return cfg
}

// Validate checks the configuration for logical errors and invalid values.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	switch c.Storage.Backend {
	case BackendFile, BackendBadger:
	default:
		return fmt.Errorf("unknown store backend: %q", c.Storage.Backend)
	}

	if c.Sync.IncrementalIntervalHours <= 0 {
		return fmt.Errorf("incremental sync interval must be positive, got %v", c.Sync.IncrementalIntervalHours)
	}
	if c.Sync.EnableFullSync && c.Sync.FullIntervalHours <= 0 {
		return fmt.Errorf("full sync interval must be positive, got %v", c.Sync.FullIntervalHours)
	}
	if c.Sync.ForceIncrementalSync && c.Sync.ForceFullSync {
		return fmt.Errorf("cannot force both incremental and full sync")
	}

	if c.Persistence.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot interval must not be negative")
	}
	if c.Persistence.SnapshotOpThreshold < 0 {
		return fmt.Errorf("snapshot op threshold must not be negative")
	}
	if c.Persistence.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must not be negative")
	}
	return nil
}

// String returns a string representation of the Config suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, Backend: %s, Incremental: %gh, Full: %gh (enabled: %v), Autosave: %v/%d ops}",
		c.Storage.DataDir, c.Storage.Backend,
		c.Sync.IncrementalIntervalHours, c.Sync.FullIntervalHours, c.Sync.EnableFullSync,
		c.Persistence.SnapshotInterval, c.Persistence.SnapshotOpThreshold,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
