package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	minDebounce        = 10 * time.Millisecond
	maxDebounce        = time.Minute
	minCloudTimeout    = time.Second
	maxCloudTimeout    = 5 * time.Minute
	minBackupInterval  = time.Minute
	minLocalBackup     = time.Second
	minBackupKeep      = 1
	maxBackupKeep      = 100
	minLogRetention    = 1
	maxRequestsPerSec  = 1000
	maxUIDBytes        = 256
	natsBucketAllowed  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-"
	validLogLevelsText = "debug, info, warn, error"
)

var (
	validCacheBackends = map[string]bool{CacheSQLite: true, CacheBolt: true, CacheMemory: true, CacheNone: true}
	validCloudBackends = map[string]bool{CloudHTTP: true, CloudNATS: true, CloudMemory: true}
	validLogLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats    = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks all configuration values and returns every error found,
// so users can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateUser(&cfg.User)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateCloud(&cfg.Cloud)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// environment and CLI layers have been applied.
func ValidateResolved(cfg *Config) error {
	var errs []error

	errs = append(errs, validateUser(&cfg.User)...)

	if cfg.Cloud.Backend == CloudHTTP && cfg.Cloud.Enabled && cfg.Cloud.URL != "" {
		if err := validateURL(cfg.Cloud.URL); err != nil {
			errs = append(errs, fmt.Errorf("cloud.url: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validateUser(u *UserConfig) []error {
	if len(u.UID) > maxUIDBytes {
		return []error{fmt.Errorf("user.uid: must be at most %d bytes", maxUIDBytes)}
	}

	if strings.ContainsAny(u.UID, "/\x00") {
		return []error{fmt.Errorf("user.uid: must not contain '/' or NUL, got %q", u.UID)}
	}

	return nil
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if !validCacheBackends[c.Backend] {
		errs = append(errs, fmt.Errorf("cache.backend: must be one of sqlite, bolt, memory, none; got %q", c.Backend))
	}

	errs = append(errs, validateDuration("cache.local_backup_interval", c.LocalBackupInterval, minLocalBackup, 0)...)

	return errs
}

func validateCloud(c *CloudConfig) []error {
	var errs []error

	if !validCloudBackends[c.Backend] {
		errs = append(errs, fmt.Errorf("cloud.backend: must be one of http, nats, memory; got %q", c.Backend))
	}

	if c.URL != "" {
		if err := validateURL(c.URL); err != nil {
			errs = append(errs, fmt.Errorf("cloud.url: %w", err))
		}
	}

	if c.Backend == CloudNATS {
		if c.NATSURL == "" {
			errs = append(errs, errors.New("cloud.nats_url: required when backend is nats"))
		}

		if c.NATSBucket == "" || strings.Trim(c.NATSBucket, natsBucketAllowed) != "" {
			errs = append(errs, fmt.Errorf("cloud.nats_bucket: must be non-empty and use only letters, digits, '-' and '_'; got %q", c.NATSBucket))
		}
	}

	errs = append(errs, validateDuration("cloud.timeout", c.Timeout, minCloudTimeout, maxCloudTimeout)...)
	errs = append(errs, validateDuration("cloud.backup_interval", c.BackupInterval, minBackupInterval, 0)...)

	if c.RequestsPerSecond < 0 || c.RequestsPerSecond > maxRequestsPerSec {
		errs = append(errs, fmt.Errorf("cloud.requests_per_second: must be between 0 and %d, got %g",
			maxRequestsPerSec, c.RequestsPerSecond))
	}

	if c.BackupKeep < minBackupKeep || c.BackupKeep > maxBackupKeep {
		errs = append(errs, fmt.Errorf("cloud.backup_keep: must be between %d and %d, got %d",
			minBackupKeep, maxBackupKeep, c.BackupKeep))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("sync.local_debounce", s.LocalDebounce, minDebounce, maxDebounce)...)
	errs = append(errs, validateDuration("sync.cloud_debounce", s.CloudDebounce, minDebounce, maxDebounce)...)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of %s; got %q", validLogLevelsText, l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

// validateDuration parses s and checks it against [lo, hi]. hi == 0 means
// no upper bound.
func validateDuration(field, s string, lo, hi time.Duration) []error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, s, err)}
	}

	if d < lo || (hi > 0 && d > hi) {
		if hi > 0 {
			return []error{fmt.Errorf("%s: must be between %s and %s, got %s", field, lo, hi, s)}
		}

		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, lo, s)}
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}

	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}

	return nil
}
