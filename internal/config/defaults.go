package config

// Cache backends.
const (
	CacheSQLite = "sqlite"
	CacheBolt   = "bolt"
	CacheMemory = "memory"
	CacheNone   = "none"
)

// Cloud backends.
const (
	CloudHTTP   = "http"
	CloudNATS   = "nats"
	CloudMemory = "memory"
)

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultCacheBackend        = CacheSQLite
	defaultLocalBackupInterval = "60s"
	defaultCloudBackend        = CloudHTTP
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSBucket          = "owned_library"
	defaultCloudTimeout        = "10s"
	defaultRequestsPerSecond   = 5.0
	defaultBackupInterval      = "24h"
	defaultBackupKeep          = 10
	defaultLocalDebounce       = "150ms"
	defaultCloudDebounce       = "900ms"
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
	defaultLogRetentionDays    = 30
)

// DefaultConfig returns a Config populated with all default values. It is the
// starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Backend:             defaultCacheBackend,
			LocalBackupInterval: defaultLocalBackupInterval,
		},
		Cloud: CloudConfig{
			Backend:           defaultCloudBackend,
			NATSURL:           defaultNATSURL,
			NATSBucket:        defaultNATSBucket,
			Enabled:           true,
			Timeout:           defaultCloudTimeout,
			RequestsPerSecond: defaultRequestsPerSecond,
			BackupInterval:    defaultBackupInterval,
			BackupKeep:        defaultBackupKeep,
		},
		Sync: SyncConfig{
			LocalDebounce: defaultLocalDebounce,
			CloudDebounce: defaultCloudDebounce,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
	}
}
