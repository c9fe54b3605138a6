package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal with "did you mean?" suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Debug("loaded config file", slog.String("path", path))
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if logger != nil {
			logger.Debug("no config file, using defaults", slog.String("path", path))
		}

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns the effective config and the config file path it came from.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, cfgPath, err
	}

	if env.UID != "" {
		cfg.User.UID = env.UID
	}

	if env.CloudURL != "" {
		cfg.Cloud.URL = env.CloudURL
	}

	if cli.UID != "" {
		cfg.User.UID = cli.UID
	}

	if cli.CloudURL != nil {
		cfg.Cloud.URL = *cli.CloudURL
	}

	if cli.CloudEnabled != nil {
		cfg.Cloud.Enabled = *cli.CloudEnabled
	}

	expandPaths(cfg)

	if err := ValidateResolved(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

// expandPaths fills platform defaults for unset paths and expands a leading
// "~/" in the ones that are set.
func expandPaths(cfg *Config) {
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = DefaultCachePath(cfg.Cache.Backend)
	}

	if cfg.Cloud.TokenFile == "" && cfg.Cloud.Backend == CloudHTTP {
		cfg.Cloud.TokenFile = DefaultTokenPath()
	}

	cfg.Cache.Path = expandTilde(cfg.Cache.Path)
	cfg.Cloud.TokenFile = expandTilde(cfg.Cloud.TokenFile)
	cfg.Logging.LogFile = expandTilde(cfg.Logging.LogFile)
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
