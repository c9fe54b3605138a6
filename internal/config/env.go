package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig   = "OWNEDSYNC_CONFIG"
	EnvUser     = "OWNEDSYNC_USER"
	EnvCloudURL = "OWNEDSYNC_CLOUD_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // OWNEDSYNC_CONFIG: override config file path
	UID        string // OWNEDSYNC_USER: signed-in user
	CloudURL   string // OWNEDSYNC_CLOUD_URL: cloud store base URL
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	env := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		UID:        os.Getenv(EnvUser),
		CloudURL:   os.Getenv(EnvCloudURL),
	}

	if logger != nil {
		logger.Debug("read environment overrides",
			slog.Bool("config", env.ConfigPath != ""),
			slog.Bool("user", env.UID != ""),
			slog.Bool("cloud_url", env.CloudURL != ""),
		)
	}

	return env
}
