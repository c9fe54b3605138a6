package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is owner read/write, group and others read-only.
const configFilePermissions = 0o644

const configDirPermissions = 0o755

// configTemplate is written by "config init". Every setting is present as a
// commented-out default so users can discover options without reading docs.
const configTemplate = `# ownedsync configuration

[user]
# uid = ""

[cache]
# Local cache backend: sqlite, bolt, memory, none
# backend = "sqlite"
# path = ""
# local_backup_interval = "60s"

[cloud]
# Remote store: http, nats, memory
# backend = "http"
# url = ""
# nats_url = "nats://127.0.0.1:4222"
# nats_bucket = "owned_library"
# token_file = ""
# enabled = true
# timeout = "10s"
# requests_per_second = 5.0
# backup_interval = "24h"
# backup_keep = 10

[sync]
# local_debounce = "150ms"
# cloud_debounce = "900ms"

[logging]
# log_level = "info"
# log_file = ""
# log_format = "auto"
# log_retention_days = 30

[metrics]
# listen = ""
`

// ErrConfigExists is returned by CreateDefault when path already exists.
var ErrConfigExists = errors.New("config: file already exists")

// CreateDefault writes the commented default template to path. It refuses
// to overwrite an existing file.
func CreateDefault(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	if logger != nil {
		logger.Info("creating config file", slog.String("path", path))
	}

	return atomicWriteFile(path, []byte(configTemplate))
}

// SetKey sets key = value inside [section] with a line-level edit, keeping
// comments and layout. A commented-out "# key = ..." line is replaced in
// place; otherwise the key is appended to the section. A missing section is
// appended to the end of the file.
func SetKey(path, section, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	newLine := fmt.Sprintf("%s = %q", key, value)

	start := findSection(lines, section)
	if start < 0 {
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}

		lines = append(lines, "", "["+section+"]", newLine, "")

		return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
	}

	end := sectionEnd(lines, start)

	for i := start + 1; i < end; i++ {
		if matchesKey(lines[i], key) {
			lines[i] = newLine
			return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
		}
	}

	lines = append(lines[:start+1], append([]string{newLine}, lines[start+1:]...)...)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

func findSection(lines []string, section string) int {
	header := "[" + section + "]"

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i
		}
	}

	return -1
}

func sectionEnd(lines []string, start int) int {
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			return i
		}
	}

	return len(lines)
}

// matchesKey reports whether line assigns key, commented out or not.
func matchesKey(line, key string) bool {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "#"))
	name, _, ok := strings.Cut(trimmed, "=")

	return ok && strings.TrimSpace(name) == key
}

// atomicWriteFile writes data via temp file + rename, creating parent
// directories as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
