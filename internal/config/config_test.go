package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "approvalflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "approvalflow:", cfg.Store.Prefix)
	assert.Equal(t, 10000, cfg.Cache.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Worker.SweepInterval)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: sqlite
  dsn: /var/lib/approvalflow/approvals.db
cache:
  max_size: 500
  default_ttl: 30s
worker:
  sweep_interval: 15s
tracing:
  enabled: true
roles:
  finance: [fin-1, fin-2]
  directors: [dir-1]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/approvalflow/approvals.db", cfg.Store.DSN)
	assert.Equal(t, 500, cfg.Cache.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, 15*time.Second, cfg.Worker.SweepInterval)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, []string{"fin-1", "fin-2"}, cfg.Roles["finance"])
	assert.Equal(t, []string{"dir-1"}, cfg.Roles["directors"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: sqlite
  dsn: file.db
`)
	t.Setenv("APPROVALFLOW_STORE_BACKEND", "redis")
	t.Setenv("APPROVALFLOW_STORE_DSN", "localhost:6379")
	t.Setenv("APPROVALFLOW_ENGINE_MAX_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "localhost:6379", cfg.Store.DSN)
	assert.Equal(t, 7, cfg.Engine.MaxRetries)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown backend": "store:\n  backend: cassandra\n",
		"missing dsn":     "store:\n  backend: postgres\n",
		"zero retries":    "engine:\n  max_retries: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicit path must exist")
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "instance_id", "i-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"instance_id":"i-1"`)
}
