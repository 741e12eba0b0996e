package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinrope/grr/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 100, cfg.Pipeline.MaxBatchSize)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.FlushInterval())
	assert.Equal(t, time.Minute, cfg.Cron.Tick())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Nil(t, cfg.SMTP)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"nats": {"url": "nats://prod:4222"},
		"pipeline": {"max_batch_size": 500}
	}`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://prod:4222", cfg.NATS.URL)
	assert.Equal(t, 500, cfg.Pipeline.MaxBatchSize)
	assert.Equal(t, 4, cfg.Pipeline.BatchWorkers, "unset fields fall back to defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GRR_NATS_URL", "nats://env:4222")
	t.Setenv("GRR_METRICS_PORT", "9999")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 9999, cfg.Metrics.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"pipeline": {"max_batch_size": -1}
	}`), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{not json`), 0o600))
	_, err = config.Load(bad)
	assert.Error(t, err)
}

func TestValidateSMTP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"smtp": {"host": "smtp.example.com", "port": 587}
	}`), 0o600))

	// Missing from address.
	_, err := config.Load(path)
	assert.Error(t, err)
}
