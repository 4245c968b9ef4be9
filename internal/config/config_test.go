package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash-lite", cfg.LLM.Provider)
	assert.Equal(t, 2, cfg.LLM.RetryCount)
	assert.Equal(t, "data/current_events.geojson", cfg.Run.Out)
	assert.Equal(t, 5050, cfg.Server.Port)
}

func TestLoad_FileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  server_url: http://10.0.0.2:5005
  retry_count: 4
run:
  out: /tmp/out.geojson
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:5005", cfg.LLM.ServerURL)
	assert.Equal(t, 4, cfg.LLM.RetryCount)
	assert.Equal(t, "/tmp/out.geojson", cfg.Run.Out)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "gemini-2.5-flash-lite", cfg.LLM.Provider)
	assert.Equal(t, "cities.csv", cfg.News.CitiesCSV)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: from-file\n"), 0o644))

	t.Setenv("LLM_SERVER_URL", "http://env-host:5005/ask")
	t.Setenv("LLM_SERVER_PROVIDER", "env-provider")
	t.Setenv("LLM_RETRY_COUNT", "7")
	t.Setenv("LLM_RETRY_BACKOFF", "1.5")
	t.Setenv("ALLOW_LOCAL_LLM", "yes")
	t.Setenv("OLLAMA_MODEL", "llama3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env-host:5005/ask", cfg.LLM.ServerURL)
	assert.Equal(t, "env-provider", cfg.LLM.Provider)
	assert.Equal(t, 7, cfg.LLM.RetryCount)
	assert.InDelta(t, 1.5, cfg.LLM.BackoffBaseSeconds, 0.0001)
	assert.True(t, cfg.LLM.LocalFallback.Enabled)
	assert.Equal(t, "llama3", cfg.LLM.LocalFallback.Model)
}

func TestLoad_DefaultProviderEnvIsFallback(t *testing.T) {
	t.Setenv("LLM_DEFAULT_PROVIDER", "default-env")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "default-env", cfg.LLM.Provider)
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " True "} {
		assert.True(t, isTruthy(v), v)
	}
	for _, v := range []string{"", "0", "false", "off"} {
		assert.False(t, isTruthy(v), v)
	}
}
