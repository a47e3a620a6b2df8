package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProxyEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"PROXY_DELIVERY_HTTP_TIMEOUT_MS",
		"PROXY_WORKER_CONCURRENCY_DELIVERIES",
		"PROXY_RETENTION_DELIVERIES_MAX_DAYS",
		"PROXY_RETENTION_DELIVERY_DLQ_MAX_DAYS",
		"PROXY_CORS_ALLOW_ORIGINS",
		"PROXY_BIND_HOST",
		"BIND_HOST",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}

func TestLoad_DefaultsWithNoEnvOrFile(t *testing.T) {
	clearProxyEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.DeliveryHTTPTimeoutMs)
	assert.Equal(t, 1, cfg.WorkerConcurrencyDeliveries)
	assert.Equal(t, "127.0.0.1", cfg.BindHost)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("PROXY_DELIVERY_HTTP_TIMEOUT_MS", "5000")
	t.Setenv("PROXY_WORKER_CONCURRENCY_DELIVERIES", "10")
	t.Setenv("PROXY_RETENTION_DELIVERIES_MAX_DAYS", "30")
	t.Setenv("PROXY_CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PROXY_BIND_HOST", "0.0.0.0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.DeliveryHTTPTimeoutMs)
	assert.Equal(t, 10, cfg.WorkerConcurrencyDeliveries)
	assert.Equal(t, 30, cfg.RetentionDeliveriesMaxDays)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowOrigins)
	assert.Equal(t, "0.0.0.0", cfg.BindHost)
}

func TestLoad_ConcurrencyCappedAt50(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("PROXY_WORKER_CONCURRENCY_DELIVERIES", "500")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.WorkerConcurrencyDeliveries)
}

func TestLoad_RejectsNegativeTimeout(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("PROXY_DELIVERY_HTTP_TIMEOUT_MS", "-1")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_BindHostFallsBackToPlainBindHost(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("BIND_HOST", "10.0.0.5")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.BindHost)
}

func TestLoad_YAMLFileOverlayThenEnvWins(t *testing.T) {
	clearProxyEnv(t)
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("bindHost: 192.168.1.1\nautotickIntervalMs: 15000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", cfg.BindHost)
	assert.Equal(t, 15000, cfg.AutotickIntervalMs)

	t.Setenv("PROXY_BIND_HOST", "override.example")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "override.example", cfg.BindHost)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	clearProxyEnv(t)
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default().BindHost, cfg.BindHost)
}
