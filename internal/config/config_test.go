package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orbit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
shard_count: 3
topology:
  - {from: 0, to: 1, latency: 10ms, symmetric: true}
  - {from: 1, to: 2, latency: 25ms}
batcher:
  max_batch_size: 16
metrics_refresh: 2s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.EqualValues(t, 3, cfg.ShardCount)
	require.Len(t, cfg.Topology, 2)
	require.Equal(t, 10*time.Millisecond, cfg.Topology[0].Latency.Std())
	require.True(t, cfg.Topology[0].Symmetric)
	require.Equal(t, 16, cfg.Batcher.MaxBatchSize)
	require.Equal(t, 2*time.Second, cfg.MetricsRefresh.Std())

	// Untouched sections keep their defaults.
	require.Equal(t, "info", cfg.Logger.Level)
	require.Equal(t, 10*time.Second, cfg.RoutingRefresh.Std())
}

func TestLoadRejectsBadTopology(t *testing.T) {
	path := writeConfig(t, `
shard_count: 2
topology:
  - {from: 0, to: 7, latency: 10ms}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRequiresShards(t *testing.T) {
	cfg := Default()
	cfg.ShardCount = 0
	require.Error(t, cfg.Validate())
}
