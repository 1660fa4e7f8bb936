package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 50, cfg.Scan.BatchSize)
	assert.Equal(t, 600, cfg.Scan.ToolTimeoutSeconds)
	assert.Equal(t, 0.6, cfg.Scan.ConfidenceThreshold)
	require.NoError(t, cfg.Validate())
}

func TestToolTimeoutClamping(t *testing.T) {
	tests := []struct {
		name    string
		seconds int
		want    time.Duration
	}{
		{"default", 600, 600 * time.Second},
		{"below floor", 0, time.Second},
		{"negative", -5, time.Second},
		{"above ceiling", 90000, 3600 * time.Second},
		{"at ceiling", 3600, 3600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Scan.ToolTimeoutSeconds = tt.seconds
			assert.Equal(t, tt.want, cfg.ToolTimeout())
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Scan.BatchSize)
}

func TestLoadAndOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconduit.yaml")
	raw := []byte("scan:\n  batch_size: 25\n  tool_timeout_seconds: 120\ntools:\n  paths:\n    subfinder: /opt/bin/subfinder\n")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Scan.BatchSize)
	assert.Equal(t, 120, cfg.Scan.ToolTimeoutSeconds)
	assert.Equal(t, "/opt/bin/subfinder", cfg.Tools.Paths["subfinder"])
	// Unset fields keep defaults
	assert.Equal(t, 4, cfg.Bus.Prefetch)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RECONDUIT_DB", "/tmp/override.db")
	t.Setenv("RECONDUIT_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("RECONDUIT_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scan.ConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate(), "confidence threshold above 1 accepted")

	cfg = DefaultConfig()
	cfg.Scan.BatchSize = 0
	assert.Error(t, cfg.Validate(), "zero batch size accepted")

	cfg = DefaultConfig()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate(), "empty redis addr accepted")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	cfg := DefaultConfig()
	cfg.Scan.BatchSize = 75
	cfg.Redis.Addr = "10.0.0.5:6379"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75, loaded.Scan.BatchSize)
	assert.Equal(t, "10.0.0.5:6379", loaded.Redis.Addr)
}
