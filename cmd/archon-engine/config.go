package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	MaxConcurrent int    `json:"max_concurrent"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(engineDir(), "archon-engine.db"),
		LogLevel:      "info",
		PoolSize:      10,
		MaxConcurrent: 20,
	}
}

func engineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".archon-engine"
	}
	return filepath.Join(home, ".archon-engine")
}

func settingsPath() string {
	return filepath.Join(engineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ARCHON_ENGINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ARCHON_ENGINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARCHON_ENGINE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("ARCHON_ENGINE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}

	return cfg
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
