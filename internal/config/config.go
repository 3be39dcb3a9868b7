package config

import (
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	defaultMonitorAddr = ":8080"

	envLogLevel    = "STRATA_LOG_LEVEL"
	envMaxWorkers  = "STRATA_MAX_WORKERS"
	envMonitorAddr = "STRATA_MONITOR_ADDR"
	envHistoryPath = "STRATA_HISTORY_PATH"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	LogLevel    slog.Level
	MaxWorkers  int
	MonitorAddr string
	// HistoryPath is the SQLite file the finished-task journal is written
	// to. Empty disables journaling.
	HistoryPath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		LogLevel:    slog.LevelInfo,
		MaxWorkers:  runtime.NumCPU(),
		MonitorAddr: defaultMonitorAddr,
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMaxWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv(envMonitorAddr); v != "" {
		cfg.MonitorAddr = v
	}
	if v := os.Getenv(envHistoryPath); v != "" {
		cfg.HistoryPath = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
