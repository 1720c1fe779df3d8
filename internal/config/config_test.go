package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFillsExpectedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, "crawl_queue", cfg.Queue.Prefix)
	require.Equal(t, "balanced", cfg.Optimizer.Mode)
	require.Equal(t, 4, cfg.WorkerPool.NumWorkers)
}

func TestDefaultConfigReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WORKERPOOL_NUM_WORKERS", "12")

	cfg := DefaultConfig()
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	require.Equal(t, 12, cfg.WorkerPool.NumWorkers)
}

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawld.yaml")
	body := `
redis:
  addr: "redis-prod:6379"
worker_pool:
  num_workers: 8
optimizer:
  mode: "aggressive"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
	require.Equal(t, 8, cfg.WorkerPool.NumWorkers)
	require.Equal(t, "aggressive", cfg.Optimizer.Mode)
	// Fields untouched by the file keep their environment/default value.
	require.Equal(t, "crawl_queue", cfg.Queue.Prefix)
}

func TestLoadConfigFileMissingPathErrors(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
