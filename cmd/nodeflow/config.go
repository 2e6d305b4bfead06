package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all nodeflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	ProjectName      string `json:"project_name"`
	DefaultProfile   string `json:"default_profile"`
	AutosaveSchedule string `json:"autosave_schedule"` // 5-field cron, "" disables
	MaxChunks        int    `json:"max_chunks"`
	GraceSeconds     int    `json:"grace_seconds"` // session termination grace
	SeedDemo         bool   `json:"seed_demo"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel:         "info",
		ProjectName:      "default",
		DefaultProfile:   "bash",
		AutosaveSchedule: "* * * * *",
		MaxChunks:        10000,
		GraceSeconds:     2,
	}
}

func nodeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("NODEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NODEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NODEFLOW_PROJECT_NAME"); v != "" {
		cfg.ProjectName = v
	}
	if v := os.Getenv("NODEFLOW_DEFAULT_PROFILE"); v != "" {
		cfg.DefaultProfile = v
	}
	if v, ok := os.LookupEnv("NODEFLOW_AUTOSAVE_SCHEDULE"); ok {
		cfg.AutosaveSchedule = v
	}
	if v := os.Getenv("NODEFLOW_MAX_CHUNKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxChunks = n
		}
	}
	if v := os.Getenv("NODEFLOW_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GraceSeconds = n
		}
	}
	if v := os.Getenv("NODEFLOW_SEED_DEMO"); v != "" {
		cfg.SeedDemo = v == "true" || v == "1"
	}

	return cfg
}
