package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers "config show".
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	ew.printf("[user]\n")
	ew.printf("  uid = %q\n\n", cfg.User.UID)

	ew.printf("[cache]\n")
	ew.printf("  backend               = %q\n", cfg.Cache.Backend)
	ew.printf("  path                  = %q\n", cfg.Cache.Path)
	ew.printf("  local_backup_interval = %q\n\n", cfg.Cache.LocalBackupInterval)

	renderCloudSection(ew, &cfg.Cloud)

	ew.printf("[sync]\n")
	ew.printf("  local_debounce = %q\n", cfg.Sync.LocalDebounce)
	ew.printf("  cloud_debounce = %q\n\n", cfg.Sync.CloudDebounce)

	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", cfg.Logging.LogLevel)

	if cfg.Logging.LogFile != "" {
		ew.printf("  log_file           = %q\n", cfg.Logging.LogFile)
	}

	ew.printf("  log_format         = %q\n", cfg.Logging.LogFormat)
	ew.printf("  log_retention_days = %d\n", cfg.Logging.LogRetentionDays)

	if cfg.Metrics.Listen != "" {
		ew.printf("\n[metrics]\n")
		ew.printf("  listen = %q\n", cfg.Metrics.Listen)
	}

	return ew.err
}

func renderCloudSection(ew *errWriter, c *CloudConfig) {
	ew.printf("[cloud]\n")
	ew.printf("  backend             = %q\n", c.Backend)
	ew.printf("  enabled             = %t\n", c.Enabled)

	switch c.Backend {
	case CloudHTTP:
		ew.printf("  url                 = %q\n", c.URL)
		ew.printf("  token_file          = %q\n", c.TokenFile)
		ew.printf("  requests_per_second = %g\n", c.RequestsPerSecond)
	case CloudNATS:
		ew.printf("  nats_url            = %q\n", c.NATSURL)
		ew.printf("  nats_bucket         = %q\n", c.NATSBucket)
	}

	ew.printf("  timeout             = %q\n", c.Timeout)
	ew.printf("  backup_interval     = %q\n", c.BackupInterval)
	ew.printf("  backup_keep         = %d\n\n", c.BackupKeep)
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
