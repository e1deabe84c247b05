package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/extgov/governor"
	"github.com/toolink/extgov/limiter"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extgov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, governor.DefaultConfig(), cfg.Governor)
	assert.Equal(t, BackendSQLite, cfg.Catalog.Backend)
	assert.Equal(t, 24*time.Hour, cfg.StagingMaxAge)
	assert.Equal(t, limiter.StorageMemory, cfg.Notify.Throttle.StorageType)
	require.Len(t, cfg.Notify.Throttle.Rules, 2)
	assert.Equal(t, "slowdown", cfg.Notify.Throttle.Rules[0].Class)
	assert.Equal(t, ":7070", cfg.Serve.GRPCAddr)
	assert.False(t, cfg.NeedsRedis())
}

func TestLoadFile(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, `
root: `+root+`
host_api: 2.1.0
catalog:
  backend: memory
governor:
  latency_threshold: 250ms
  max_errors: 3
notify:
  throttle:
    rules:
      - class: auto_disabled
        rate: 2
        period: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, "2.1.0", cfg.HostAPI)
	assert.Equal(t, BackendMemory, cfg.Catalog.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Governor.LatencyThreshold)
	assert.EqualValues(t, 3, cfg.Governor.MaxErrors)
	assert.EqualValues(t, governor.DefaultMaxSlow, cfg.Governor.MaxSlow, "unset keys keep their defaults")
	assert.Equal(t, []limiter.Rule{{Class: "auto_disabled", Rate: 2, Period: 10}}, cfg.Notify.Throttle.Rules)

	assert.Equal(t, filepath.Join(root, "extensions"), cfg.InstallRoot())
	assert.Equal(t, filepath.Join(root, "backups"), cfg.BackupRoot())
	assert.Equal(t, filepath.Join(root, "staging"), cfg.StagingRoot())
	assert.Equal(t, filepath.Join(root, "catalog.db"), cfg.CatalogPath())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("EXTGOV_GOVERNOR_MAX_ERRORS", "9")
	t.Setenv("EXTGOV_CATALOG_BACKEND", "redis")
	t.Setenv("EXTGOV_REDIS_ADDR", "cache:6380")

	path := writeFile(t, "governor:\n  max_errors: 4\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, 9, cfg.Governor.MaxErrors)
	assert.Equal(t, BackendRedis, cfg.Catalog.Backend)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.True(t, cfg.NeedsRedis())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"backend":   "catalog:\n  backend: postgres\n",
		"host api":  "host_api: next\n",
		"governor":  "governor:\n  error_rate: 1.5\n",
		"log level": "log:\n  level: loud\n",
		"throttle":  "notify:\n  throttle:\n    storage_type: disk\n",
		"redis":     "catalog:\n  backend: redis\nredis:\n  addr: \"\"\n",
		"yaml":      "governor: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "extgov.yaml")
	require.NoError(t, WriteDefault(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "latency_threshold: 5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, governor.DefaultConfig(), cfg.Governor)

	assert.Error(t, WriteDefault(path), "an existing file is never overwritten")
}
