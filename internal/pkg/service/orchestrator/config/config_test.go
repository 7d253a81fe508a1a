package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) {
	return "", false
}

func TestLoadFrom_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFrom([]string{"orchestrator", "--etcd-endpoint", "etcd:2379"}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, StorageEtcd, cfg.Storage)
	assert.Equal(t, "etcd:2379", cfg.Etcd.Endpoint)
	assert.Equal(t, "meekyolo/", cfg.Etcd.Namespace)
	assert.Equal(t, "meekyolo/", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 3*time.Second, cfg.MQTT.ResponseTimeout)
	assert.Equal(t, 30*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval)
	assert.Equal(t, 120*time.Second, cfg.Health.OfflineAfter)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.RetryBaseDelay)
}

func TestLoadFrom_EnvAndFlagPrecedence(t *testing.T) {
	t.Parallel()

	envs := map[string]string{
		"ORCHESTRATOR_ETCD_ENDPOINT":           "env-etcd:2379",
		"ORCHESTRATOR_SCHEDULER_MAX_RETRIES":   "5",
		"ORCHESTRATOR_SCHEDULER_TICK_INTERVAL": "2s",
	}
	lookup := func(key string) (string, bool) {
		v, found := envs[key]
		return v, found
	}

	// The explicit flag wins over the environment.
	cfg, err := LoadFrom([]string{"orchestrator", "--scheduler-max-retries", "7"}, lookup)
	require.NoError(t, err)
	assert.Equal(t, "env-etcd:2379", cfg.Etcd.Endpoint)
	assert.Equal(t, 7, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TickInterval)
}

func TestLoadFrom_Invalid(t *testing.T) {
	t.Parallel()

	// Etcd backend requires an endpoint.
	_, err := LoadFrom([]string{"orchestrator"}, noEnv)
	assert.ErrorContains(t, err, "endpoint is not set")

	// The memory backend does not.
	cfg, err := LoadFrom([]string{"orchestrator", "--storage", "memory"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)

	_, err = LoadFrom([]string{"orchestrator", "--storage", "postgres"}, noEnv)
	assert.ErrorContains(t, err, "invalid storage backend")

	_, err = LoadFrom([]string{"orchestrator", "--storage", "memory", "--mqtt-enabled"}, noEnv)
	assert.ErrorContains(t, err, "broker URL is not set")
}

func TestConfig_NormalizeTopicPrefix(t *testing.T) {
	t.Parallel()

	cfg := New()
	cfg.Storage = StorageMemory
	cfg.MQTT.TopicPrefix = "meekyolo"
	cfg.Normalize()
	assert.Equal(t, "meekyolo/", cfg.MQTT.TopicPrefix)
	require.NoError(t, cfg.Validate())
}

func TestHealth_Validate(t *testing.T) {
	t.Parallel()

	h := Health{CheckInterval: time.Second, SuspectAfter: 2 * time.Minute, OfflineAfter: time.Minute}
	assert.ErrorContains(t, h.Validate(), "offline interval must be longer")
}
