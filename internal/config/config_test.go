package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t, "API_HOST", "API_PORT", "WORKER_CONCURRENCY", "WORKER_QUEUES", "STALENESS_MULTIPLIER")

	cfg, err := Load(WithAPIKey("k"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.APIHost)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, []string{"gpu_heavy", "gpu_medium", "cpu_intensive", "default"}, cfg.WorkerQueues)
	assert.Equal(t, 2.0, cfg.StalenessMultiplier)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	clearEnv(t, "API_KEY")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadReadsEnvironmentOverDefaults(t *testing.T) {
	clearEnv(t, "API_PORT", "WORKER_QUEUES", "STALENESS_MULTIPLIER")
	require.NoError(t, os.Setenv("API_PORT", "9090"))
	require.NoError(t, os.Setenv("WORKER_QUEUES", "gpu_heavy, default"))
	require.NoError(t, os.Setenv("STALENESS_MULTIPLIER", "3.5"))

	cfg, err := Load(WithAPIKey("k"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, []string{"gpu_heavy", "default"}, cfg.WorkerQueues)
	assert.Equal(t, 3.5, cfg.StalenessMultiplier)
}

func TestLoadRejectsInvalidIntEnv(t *testing.T) {
	clearEnv(t, "API_PORT")
	require.NoError(t, os.Setenv("API_PORT", "not-a-number"))
	_, err := Load(WithAPIKey("k"))
	assert.Error(t, err)
}

func TestOptionsOverrideEnv(t *testing.T) {
	clearEnv(t, "STORE_URL", "BROKER_URL")
	require.NoError(t, os.Setenv("STORE_URL", "redis://env-store:6379/0"))

	cfg, err := Load(WithAPIKey("k"), WithStoreURL("redis://override:6379/0"), WithBrokerURL("redis://override:6379/1"))
	require.NoError(t, err)

	assert.Equal(t, "redis://override:6379/0", cfg.StoreURL)
	assert.Equal(t, "redis://override:6379/1", cfg.BrokerURL)
}

func TestLoadRejectsEmptyWorkerQueues(t *testing.T) {
	clearEnv(t, "WORKER_QUEUES")
	_, err := Load(WithAPIKey("k"), WithWorkerQueues(nil))
	assert.Error(t, err)
}
