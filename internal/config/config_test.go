package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/stillmind_test")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "gm-test")
	t.Setenv("ELEVENLABS_API_KEY", "el-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.True(t, cfg.WorkerEnabled)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 10, cfg.WorkerStartsPerMinute)
	assert.Equal(t, 3, cfg.QueueMaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.SweepGrace)
	assert.Equal(t, "stillmind-media", cfg.SupabaseStorageBucket)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadProviderKeysOptionalWithoutWorker(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ELEVENLABS_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.WorkerEnabled)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("SWEEP_GRACE", "5m")
	t.Setenv("API_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.SweepGrace)
	assert.Equal(t, "9999", cfg.APIPort)
}
