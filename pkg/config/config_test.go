package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadSystemConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadSystemConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, DefaultSystemConfig(), cfg)
}

func TestLoadSystemConfigCorruptFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	writeFile(t, path, "{not json")
	assert.Equal(t, DefaultSystemConfig(), LoadSystemConfig(path))
}

func TestLoadSystemConfigOverridesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	writeFile(t, path, `{
		"max_recovery_cycles": 2,
		"min_recovery_confidence": 7,
		"tool_timeout_ms": -1,
		"tool_timeouts_ms": {"web_fetch": 3000},
		"models": {"decision": "qwen3:4b"},
		"validator": {"min_output_chars": 10}
	}`)

	cfg := LoadSystemConfig(path)
	def := DefaultSystemConfig()

	assert.Equal(t, 2, cfg.MaxRecoveryCycles)
	assert.Equal(t, def.MinRecoveryConfidence, cfg.MinRecoveryConfidence)
	assert.Equal(t, def.ToolTimeoutMs, cfg.ToolTimeoutMs)
	assert.Equal(t, "qwen3:4b", cfg.Models.Decision)
	assert.Equal(t, 10, cfg.Validator.MinOutputChars)
	// untouched fields keep their defaults
	assert.Equal(t, def.Validator.MaxCodeMarkers, cfg.Validator.MaxCodeMarkers)
	assert.Equal(t, 3000, cfg.ToolTimeout("web_fetch"))
	assert.Equal(t, def.ToolTimeoutMs, cfg.ToolTimeout("content_extract"))
}

func TestLoadRequiresAppConfig(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(filepath.Join(dir, "config.json"), filepath.Join(dir, "system.json"))
	require.Error(t, err)
}

func TestLoadValidatesStoreDriver(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "config.json")

	writeFile(t, app, `{"llm":[{"type":"ollama","models":["m"]}],"store":{"driver":"mongo"}}`)
	_, _, err := Load(app, filepath.Join(dir, "system.json"))
	require.Error(t, err)

	writeFile(t, app, `{"llm":[{"type":"ollama","models":["m"]}],"store":{"driver":"redis"}}`)
	_, _, err = Load(app, filepath.Join(dir, "system.json"))
	require.Error(t, err)

	writeFile(t, app, `{"llm":[{"type":"ollama","models":["m"]}],"store":{"driver":"file","dir":"data"}}`)
	cfg, sys, err := Load(app, filepath.Join(dir, "system.json"))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, DefaultSystemConfig(), sys)
}

func TestWatchSystemConfigAppliesChanges(t *testing.T) {
	old := DebounceInterval
	DebounceInterval = 20 * time.Millisecond
	t.Cleanup(func() { DebounceInterval = old })

	path := filepath.Join(t.TempDir(), "system.json")
	writeFile(t, path, `{"max_recovery_cycles": 1}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *SystemConfig, 4)
	go WatchSystemConfig(ctx, path, func(s *SystemConfig) { applied <- s })

	// fsnotify needs a moment to register the directory watch.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `{"max_recovery_cycles": 3}`)

	select {
	case s := <-applied:
		assert.Equal(t, 3, s.MaxRecoveryCycles)
	case <-time.After(3 * time.Second):
		t.Fatal("reload was not applied")
	}
}
