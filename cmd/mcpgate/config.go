package main

import (
	"log/slog"
	"os"
)

// Config holds application configuration loaded from environment
// variables, grounded on the teacher's envOr/parseLogLevel pattern
// (cmd/mcplexer/config.go).
type Config struct {
	HTTPAddr        string
	ConfigFile      string
	LogLevel        slog.Level
	ManagementToken string
}

func loadConfig() *Config {
	return &Config{
		HTTPAddr:        envOr("MCPGATE_HTTP_ADDR", ":"+envOr("PORT", "3200")),
		ConfigFile:      envOr("MCPGATE_CONFIG", "mcpgate.yaml"),
		LogLevel:        parseLogLevel(envOr("MCPGATE_LOG_LEVEL", "info")),
		ManagementToken: envOr("MCPGATE_MANAGEMENT_TOKEN", ""),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch s {
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
