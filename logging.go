package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/ownedsync/internal/config"
)

// logFileMaxSizeMB caps a single log file before lumberjack rotates it.
const logFileMaxSizeMB = 20

// buildLogger creates an slog.Logger configured by the resolved logging
// section and CLI flags. The config level provides the baseline; --verbose
// and --quiet override it because CLI flags always win. The returned
// LevelVar lets the watch daemon apply a reloaded level in place, and the
// close func releases the log file, if any.
func buildLogger(lc *config.LoggingConfig, flags CLIFlags, console io.Writer) (*slog.Logger, *slog.LevelVar, func() error) {
	level := new(slog.LevelVar)
	level.Set(effectiveLevel(lc, flags))

	var (
		out     = console
		format  = "auto"
		closeFn = func() error { return nil }
	)

	if lc != nil {
		format = lc.LogFormat

		if lc.LogFile != "" {
			lj := &lumberjack.Logger{
				Filename: lc.LogFile,
				MaxSize:  logFileMaxSizeMB,
				MaxAge:   lc.LogRetentionDays,
				Compress: true,
			}
			out = lj
			closeFn = lj.Close
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, out) {
		return slog.New(slog.NewJSONHandler(out, opts)), level, closeFn
	}

	return slog.New(slog.NewTextHandler(out, opts)), level, closeFn
}

// effectiveLevel resolves the log level from config and flags.
func effectiveLevel(lc *config.LoggingConfig, flags CLIFlags) slog.Level {
	level := slog.LevelInfo

	if lc != nil {
		level = parseLevel(lc.LogLevel)
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return level
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// useJSONLogs decides the handler format. "auto" picks text on a terminal
// and JSON everywhere else, including log files.
func useJSONLogs(format string, out io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := out.(*os.File)
	if !ok {
		return true
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}
