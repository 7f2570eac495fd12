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

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
		assert.Equal(t, 30*time.Second, cfg.API.Timeout)

		assert.Equal(t, 4*time.Second, cfg.Poll.Interval)
		assert.Equal(t, 10*time.Minute, cfg.Poll.MaxWait)
		assert.Zero(t, cfg.Poll.RateLimit)

		assert.Equal(t, "paddle", cfg.Engine)
		assert.Equal(t, 5, cfg.History.Recent)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.False(t, cfg.Logging.JSON)

		assert.Equal(t, "histpath", cfg.Archive.Prefix)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"api": map[string]any{
				"base_url": "http://ocr.internal:9000",
			},
			"poll": map[string]any{
				"interval": "2s",
			},
			"engine": "azure",
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "http://ocr.internal:9000", cfg.API.BaseURL)
		assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
		assert.Equal(t, "azure", cfg.Engine)

		// Non-overridden values remain default
		assert.Equal(t, 10*time.Minute, cfg.Poll.MaxWait)
		assert.Equal(t, 5, cfg.History.Recent)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("HISTPATH_API_BASE_URL", "http://env.example:8000")
		t.Setenv("HISTPATH_POLL_INTERVAL", "1s")
		t.Setenv("HISTPATH_ENGINE", "azure")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "http://env.example:8000", cfg.API.BaseURL)
		assert.Equal(t, time.Second, cfg.Poll.Interval)
		assert.Equal(t, "azure", cfg.Engine)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: http://file.example:8000
poll:
  max_wait: 5m
history:
  recent: 10
`), 0644))

		SetConfigFile(path)
		defer SetConfigFile("")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "http://file.example:8000", cfg.API.BaseURL)
		assert.Equal(t, 5*time.Minute, cfg.Poll.MaxWait)
		assert.Equal(t, 10, cfg.History.Recent)
	})

	t.Run("InvalidValuesRejected", func(t *testing.T) {
		_, err := Load(ctx, map[string]any{
			"poll": map[string]any{"interval": "0s"},
		})
		require.Error(t, err)

		_, err = Load(ctx, map[string]any{
			"api": map[string]any{"base_url": ""},
		})
		require.Error(t, err)
	})
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, GetConfig())
}

func TestResolveDataDir(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/histpath-data"}
	dir, err := cfg.ResolveDataDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/histpath-data", dir)

	cfg = &Config{}
	dir, err = cfg.ResolveDataDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mustHome(t), ".histpath"), dir)

	path, err := cfg.HistoryPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mustHome(t), ".histpath", "history.db"), path)
}

func mustHome(t *testing.T) string {
	t.Helper()
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	return home
}
