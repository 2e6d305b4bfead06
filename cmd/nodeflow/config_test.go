package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "default", cfg.ProjectName)
	assert.Equal(t, "bash", cfg.DefaultProfile)
	assert.Equal(t, "* * * * *", cfg.AutosaveSchedule)
	assert.Equal(t, 10000, cfg.MaxChunks)
	assert.Equal(t, 2, cfg.GraceSeconds)
	assert.False(t, cfg.SeedDemo)
	assert.Contains(t, cfg.DBPath, "nodeflow.db")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // keep a real settings.json out of the test
	t.Setenv("NODEFLOW_DB_PATH", "/tmp/alt.db")
	t.Setenv("NODEFLOW_LOG_LEVEL", "debug")
	t.Setenv("NODEFLOW_PROJECT_NAME", "scratch")
	t.Setenv("NODEFLOW_DEFAULT_PROFILE", "python")
	t.Setenv("NODEFLOW_MAX_CHUNKS", "500")
	t.Setenv("NODEFLOW_GRACE_SECONDS", "5")
	t.Setenv("NODEFLOW_SEED_DEMO", "1")

	cfg := loadConfig()

	assert.Equal(t, "/tmp/alt.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "scratch", cfg.ProjectName)
	assert.Equal(t, "python", cfg.DefaultProfile)
	assert.Equal(t, 500, cfg.MaxChunks)
	assert.Equal(t, 5, cfg.GraceSeconds)
	assert.True(t, cfg.SeedDemo)
}

func TestLoadConfigEmptyScheduleDisablesAutosave(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NODEFLOW_AUTOSAVE_SCHEDULE", "")

	cfg := loadConfig()
	assert.Empty(t, cfg.AutosaveSchedule)
}

func TestLoadConfigIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NODEFLOW_MAX_CHUNKS", "many")
	t.Setenv("NODEFLOW_GRACE_SECONDS", "soon")

	cfg := loadConfig()
	assert.Equal(t, 10000, cfg.MaxChunks)
	assert.Equal(t, 2, cfg.GraceSeconds)
}
