package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qaxcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/qaxcore
listen_addr: ":9999"
log:
  level: debug
  json: true
instruments:
  - name: ETH-USD
    memtable_threshold_bytes: 1048576
    flush_interval_seconds: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/qaxcore", cfg.DataDir)
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.True(t, cfg.Log.JSON)
	require.Len(t, cfg.Instruments, 1)
	require.Equal(t, "ETH-USD", cfg.Instruments[0].Name)

	// Fields absent from the YAML keep the seeded defaults.
	require.Equal(t, 3, cfg.Convert.MaxRetries)
}

func TestDefaultIsLoadable(t *testing.T) {
	cfg := Default()
	require.NotEmpty(t, cfg.Instruments)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestToBrokerConfigCarriesBatchCaps(t *testing.T) {
	cfg := Default()
	bc := cfg.Notify.ToBrokerConfig()
	require.Equal(t, cfg.Notify.DedupLRUSize, bc.DedupCapacity)
	require.Equal(t, cfg.Notify.P2BatchSize, bc.P2BatchSize)
	require.Equal(t, cfg.Notify.P3BatchSize, bc.P3BatchSize)
}

func TestToConvertConfigCarriesMinAndMaxBatchFiles(t *testing.T) {
	cfg := Default()
	cc := cfg.Convert.ToConvertConfig()
	require.Equal(t, cfg.Convert.MinBatchFiles, cc.MinBatchFiles)
	require.Equal(t, cfg.Convert.BatchFiles, cc.BatchFiles)
}
