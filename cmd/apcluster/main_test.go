package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/apcluster"
	"github.com/hupe1980/apcluster/archive"
	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/blobstore"
	"github.com/hupe1980/apcluster/engine"
	"github.com/hupe1980/apcluster/internal/fs"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
conv_iter: 20
max_iter: 400
damping: 0.75
spill_compression: lz4
store: /data/container
log_format: json
archive:
  kind: s3
  bucket: results
  dynamodb_table: commits
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.ConvIter)
	assert.Equal(t, 400, cfg.MaxIter)
	assert.Equal(t, 0.75, cfg.Damping)
	assert.Equal(t, "lz4", cfg.SpillCompression)
	assert.Equal(t, "/data/container", cfg.Store)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "s3", cfg.Archive.Kind)
	assert.Equal(t, "commits", cfg.Archive.DynamoDBTable)
	// Unset keys keep their defaults.
	assert.Equal(t, apcluster.DefaultConfig().ScratchDir, cfg.ScratchDir)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dampnig: 0.8\n"), 0o600))
	_, err = loadConfig(path)
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	cfg, err := loadConfig(empty)
	require.NoError(t, err)
	assert.Equal(t, defaultFileConfig(), cfg)
}

func TestRunFlags_Override(t *testing.T) {
	fset := flag.NewFlagSet("run", flag.ContinueOnError)
	var f runFlags
	f.register(fset, false)
	require.NoError(t, fset.Parse([]string{"-damping", "0.6", "-archive-dir", "/tmp/a", "-procs", "4"}))

	cfg := defaultFileConfig()
	cfg.MaxIter = 300
	f.apply(fset, &cfg)

	assert.Equal(t, 0.6, cfg.Damping)
	assert.Equal(t, 300, cfg.MaxIter, "unset flags keep file values")
	assert.Equal(t, archiveConfig{Kind: "local", Dir: "/tmp/a"}, cfg.Archive)
	assert.Equal(t, 4, f.procs)
}

func TestOpenBlobStore(t *testing.T) {
	ctx := context.Background()

	store, err := openBlobStore(ctx, archiveConfig{})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = openBlobStore(ctx, archiveConfig{Kind: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &blobstore.LocalStore{}, store)

	_, err = openBlobStore(ctx, archiveConfig{Kind: "local"})
	assert.Error(t, err)

	_, err = openBlobStore(ctx, archiveConfig{Kind: "gcs"})
	assert.Error(t, err)
}

func TestPrometheusCollector(t *testing.T) {
	c := newPrometheusCollector(prometheus.NewRegistry())

	c.OnIteration(1, 4, 2, time.Millisecond)
	c.OnIteration(2, 3, 0, time.Millisecond)
	c.OnSpill("write", 128)
	c.OnRun(engine.StateConverged, 2, 3, time.Second)
	c.RecordRun(1, 3, time.Second, nil)

	assert.Equal(t, 2.0, gathered(t, c.registry, "apcluster_iterations_total", ""))
	assert.Equal(t, 3.0, gathered(t, c.registry, "apcluster_exemplars", ""))
	assert.Equal(t, 128.0, gathered(t, c.registry, "apcluster_spill_bytes_total", "write"))
	assert.Equal(t, 1.0, gathered(t, c.registry, "apcluster_engine_runs_total", "converged"))
}

// gathered returns the value of the counter or gauge name whose single
// label, if any, equals label.
func gathered(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if label != "" && (len(m.GetLabel()) != 1 || m.GetLabel()[0].GetValue() != label) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func TestGenAndRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	archiveDir := t.TempDir()

	require.NoError(t, genCmd(ctx, []string{"-store", dir, "-n", "32", "-clusters", "4"}))
	require.NoError(t, runCmd(ctx, []string{
		"-store", dir,
		"-procs", "2",
		"-conv-iter", "10",
		"-scratch", t.TempDir(),
		"-archive-dir", archiveDir,
	}, false))

	store, err := arraystore.NewLocalStore(dir)
	require.NoError(t, err)
	ds, err := store.OpenReadOnly(ctx, apcluster.LabelsName(1))
	require.NoError(t, err)
	defer ds.Close()
	assert.Equal(t, 32, ds.Rows())
	k, ok := ds.Attr("k")
	require.True(t, ok)
	assert.Positive(t, k)

	got, err := archive.LoadCurrent(ctx, blobstore.NewLocalStore(archiveDir, fs.Default))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Tier)
	assert.Len(t, got.Labels, 32)
}

func TestRunCmd_Validation(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, runCmd(ctx, nil, false))
	assert.Error(t, runCmd(ctx, []string{"-store", t.TempDir()}, true))
	assert.Error(t, genCmd(ctx, []string{"-store", t.TempDir(), "-n", "1"}))
	assert.Error(t, genCmd(ctx, []string{"-store", t.TempDir(), "-dtype", "int32"}))
}
