package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Runs from the package dir, so no .env is picked up.
	for _, key := range []string{"SERVER_PORT", "DURABLE_STORE", "QUOTA_FREE_LIMIT", "QUOTA_PRO_LIMIT", "QUOTA_GLOBAL_LIMIT", "LOG_FORMAT"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Durable.Type)
	assert.Equal(t, int64(10000), cfg.Quota.GlobalLimit)
	assert.Equal(t, int64(100), cfg.Quota.FreeLimit)
	assert.Equal(t, int64(1000), cfg.Quota.ProLimit)
	assert.Equal(t, 3, cfg.Quota.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Quota.TierCacheTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.Quota.UsageRetention)
	assert.Equal(t, "0 * * * *", cfg.Schedule.Rotation)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUOTA_FREE_LIMIT", "60")
	t.Setenv("DURABLE_STORE", "Mongo")
	t.Setenv("REDIS_RW_TIMEOUT_MS", "250")
	t.Setenv("EXECUTOR_TIMEOUT_MS", "1500")
	t.Setenv("DRAIN_SCHEDULE", "* * * * *")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(60), cfg.Quota.FreeLimit)
	assert.Equal(t, "mongo", cfg.Durable.Type)
	assert.Equal(t, 250*time.Millisecond, cfg.Redis.ReadTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Redis.WriteTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Executor.Timeout)
	assert.Equal(t, "* * * * *", cfg.Schedule.Drain)
}

func TestLoad_InvalidValuesNameTheKey(t *testing.T) {
	cases := map[string]string{
		"QUOTA_PRO_LIMIT":   "lots",
		"QUEUE_MAX_RETRIES": "-1",
		"REDIS_PORT":        "redis",
		"DURABLE_STORE":     "postgres",
		"LOG_FORMAT":        "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestGetEnv_TrimsAndFallsBack(t *testing.T) {
	t.Setenv("CALLQUOTA_TEST_VALUE", "  ")
	assert.Equal(t, "fallback", getEnv("CALLQUOTA_TEST_VALUE", "fallback"))

	require.NoError(t, os.Setenv("CALLQUOTA_TEST_VALUE", " set "))
	assert.Equal(t, "set", getEnv("CALLQUOTA_TEST_VALUE", "fallback"))
}

func TestLoad_EmptyScheduleDisablesJob(t *testing.T) {
	t.Setenv("RETENTION_SCHEDULE", "")
	t.Setenv("DRAIN_SCHEDULE", "   ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.Schedule.Retention)
	assert.Empty(t, cfg.Schedule.Drain)
	assert.Equal(t, "0 * * * *", cfg.Schedule.Rotation, "unset schedule keeps its default")
}
