// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for ownedsync. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	User    UserConfig    `toml:"user"`
	Cache   CacheConfig   `toml:"cache"`
	Cloud   CloudConfig   `toml:"cloud"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// UserConfig names the signed-in user whose library is synced.
type UserConfig struct {
	UID string `toml:"uid"`
}

// CacheConfig selects the local cache backend. Backend "none" runs the
// engine without local persistence.
type CacheConfig struct {
	Backend             string `toml:"backend"`
	Path                string `toml:"path"`
	LocalBackupInterval string `toml:"local_backup_interval"`
}

// CloudConfig selects and tunes the remote document store.
type CloudConfig struct {
	Backend           string  `toml:"backend"`
	URL               string  `toml:"url"`
	NATSURL           string  `toml:"nats_url"`
	NATSBucket        string  `toml:"nats_bucket"`
	TokenFile         string  `toml:"token_file"`
	Enabled           bool    `toml:"enabled"`
	Timeout           string  `toml:"timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	BackupInterval    string  `toml:"backup_interval"`
	BackupKeep        int     `toml:"backup_keep"`
}

// SyncConfig holds the engine's debounce windows.
type SyncConfig struct {
	LocalDebounce string `toml:"local_debounce"`
	CloudDebounce string `toml:"cloud_debounce"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from an explicit zero value.
type CLIOverrides struct {
	ConfigPath   string  // --config flag (empty = use default)
	UID          string  // --user flag
	CloudURL     *string // --cloud-url flag
	CloudEnabled *bool   // --offline flips this to false
}

// Durations are stored as strings in TOML and validated by Validate, so the
// accessors below can ignore parse errors.

func (c *CacheConfig) LocalBackupEvery() time.Duration { return mustDuration(c.LocalBackupInterval) }

func (c *CloudConfig) TimeoutDuration() time.Duration { return mustDuration(c.Timeout) }

func (c *CloudConfig) BackupEvery() time.Duration { return mustDuration(c.BackupInterval) }

func (s *SyncConfig) LocalDebounceDuration() time.Duration { return mustDuration(s.LocalDebounce) }

func (s *SyncConfig) CloudDebounceDuration() time.Duration { return mustDuration(s.CloudDebounce) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
