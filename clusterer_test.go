package apcluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/apcluster/archive"
	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/blobstore"
	"github.com/hupe1980/apcluster/comm"
	"github.com/hupe1980/apcluster/engine"
	"github.com/hupe1980/apcluster/testutil"
)

// runTier clusters tier on an in-process group of nprocs ranks and returns
// what every rank got back. Ranks never fail the group, so each of them
// reports its own outcome.
func runTier(t *testing.T, store arraystore.Store, nprocs, tier int, opts ...Option) ([]*Result, []error) {
	t.Helper()
	results := make([]*Result, nprocs)
	errs := make([]error, nprocs)
	opts = append([]Option{WithScratchDir(t.TempDir()), WithLogger(nil)}, opts...)

	err := comm.RunLocal(context.Background(), nprocs, func(ctx context.Context, g *comm.Group) error {
		c, err := New(store, g, opts...)
		if err != nil {
			errs[g.Rank()] = err
			return nil
		}
		results[g.Rank()], errs[g.Rank()] = c.Run(ctx, tier)
		return nil
	})
	require.NoError(t, err)
	return results, errs
}

// mustRun is runTier for runs expected to succeed. It returns rank 0's
// result after checking that all ranks agree.
func mustRun(t *testing.T, store arraystore.Store, nprocs, tier int, opts ...Option) *Result {
	t.Helper()
	results, errs := runTier(t, store, nprocs, tier, opts...)
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	for r := 1; r < nprocs; r++ {
		assert.Equal(t, results[0].Exemplars, results[r].Exemplars, "rank %d", r)
		assert.Equal(t, results[0].Labels, results[r].Labels, "rank %d", r)
		assert.Equal(t, results[0].State, results[r].State, "rank %d", r)
	}
	return results[0]
}

func blobMatrix(n int) ([]float32, float32) {
	rng := testutil.NewRNG(42)
	s := testutil.NegSquaredDistances(rng.Blobs(n, 2, 4, 0.5))
	return s, testutil.MedianSimilarity(s, n)
}

func readInt32(t *testing.T, store arraystore.Store, name string) ([]int32, arraystore.Dataset) {
	t.Helper()
	ctx := context.Background()
	ds, err := store.OpenReadOnly(ctx, name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	out := make([]int32, ds.Rows())
	if len(out) > 0 {
		require.NoError(t, ds.ReadInt32(ctx, arraystore.Range(0, len(out)), out))
	}
	return out, ds
}

func assertValidLabels(t *testing.T, res *Result) {
	t.Helper()
	require.Len(t, res.Labels, res.Layout.N)
	for i, c := range res.Labels {
		assert.True(t, c >= 0 && int(c) < res.K, "label %d of point %d outside [0, %d)", c, i, res.K)
	}
	for k, e := range res.Exemplars {
		assert.Equal(t, int32(k), res.Labels[e], "exemplar %d must carry its own label", e)
	}
}

func TestClusterer_Pairs(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, testutil.PairsMatrix(), 6, 0))

	res := mustRun(t, store, 1, 1,
		WithConvergenceIterations(5),
		WithMaxIterations(100),
		WithDamping(0.9),
	)

	assert.True(t, res.Converged())
	assert.NoError(t, res.Err())
	assert.Equal(t, 3, res.K)
	assert.Equal(t, []int32{0, 0, 1, 1, 2, 2}, res.Labels)
	assertValidLabels(t, res)
	for k, e := range res.Exemplars {
		assert.Equal(t, k, int(e)/2, "exemplar %d belongs to pair %d", e, k)
	}

	labels, ds := readInt32(t, store, LabelsName(1))
	assert.Equal(t, res.Labels, labels)
	k, _ := ds.Attr("k")
	assert.Equal(t, 3.0, k)
	converged, _ := ds.Attr("converged")
	assert.Equal(t, 1.0, converged)
	iterations, _ := ds.Attr("iterations")
	assert.Equal(t, float64(res.Iterations), iterations)

	centers, _ := readInt32(t, store, CentersName(1))
	assert.Equal(t, res.Exemplars, centers)
}

func TestClusterer_Uniform(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	const n = 8
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, testutil.UniformMatrix(n, -1), n, -50))

	res := mustRun(t, store, 1, 1, WithConvergenceIterations(5), WithMaxIterations(200))

	assert.Equal(t, 1, res.K)
	assert.Equal(t, make([]int32, n), res.Labels)
}

func TestClusterer_Blobs(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	const n = 32
	s, pref := blobMatrix(n)
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, n, pref))

	res := mustRun(t, store, 2, 1, WithConvergenceIterations(10))

	assert.Positive(t, res.K)
	assertValidLabels(t, res)
}

func TestClusterer_ProcessCountInvariance(t *testing.T) {
	ctx := context.Background()
	const n = 32
	s, pref := blobMatrix(n)

	var want *Result
	for _, nprocs := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("nprocs=%d", nprocs), func(t *testing.T) {
			store := arraystore.NewMemoryStore()
			require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, n, pref))
			res := mustRun(t, store, nprocs, 1, WithConvergenceIterations(10))
			if want == nil {
				want = res
				return
			}
			assert.Equal(t, want.Iterations, res.Iterations)
			assert.Equal(t, want.Exemplars, res.Exemplars)
			assert.Equal(t, want.Labels, res.Labels)
		})
	}
}

func TestClusterer_SpillInvariance(t *testing.T) {
	ctx := context.Background()
	const n = 32
	s, pref := blobMatrix(n)

	run := func(t *testing.T, nprocs int, opts ...Option) *Result {
		store := arraystore.NewMemoryStore()
		require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, n, pref))
		return mustRun(t, store, nprocs, 1, append(opts, WithConvergenceIterations(10))...)
	}

	want := run(t, 1)
	require.False(t, want.Layout.Spill)

	cases := []struct {
		name   string
		nprocs int
		opts   []Option
	}{
		{"forced spill", 1, []Option{WithForceSpill(true)}},
		{"small tiles", 2, []Option{WithTileHeight(4), WithForceSpill(true)}},
		{"lz4", 2, []Option{WithForceSpill(true), WithSpillCompression("lz4")}},
		{"zstd", 4, []Option{WithTileHeight(2), WithForceSpill(true), WithSpillCompression("zstd")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := run(t, tc.nprocs, tc.opts...)
			assert.True(t, res.Layout.Spill)
			assert.Equal(t, want.Iterations, res.Iterations)
			assert.Equal(t, want.Exemplars, res.Exemplars)
			assert.Equal(t, want.Labels, res.Labels)
		})
	}
}

func TestClusterer_Deterministic(t *testing.T) {
	ctx := context.Background()
	const n = 32
	s, pref := blobMatrix(n)

	var runs []*Result
	for range 2 {
		store := arraystore.NewMemoryStore()
		require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, n, pref))
		runs = append(runs, mustRun(t, store, 2, 1, WithConvergenceIterations(10)))
	}
	assert.Equal(t, runs[0].Iterations, runs[1].Iterations)
	assert.Equal(t, runs[0].Exemplars, runs[1].Exemplars)
	assert.Equal(t, runs[0].Labels, runs[1].Labels)
}

func TestClusterer_LocalStore(t *testing.T) {
	ctx := context.Background()
	store, err := arraystore.NewLocalStore(t.TempDir(), arraystore.WithWriteMode(arraystore.Collective))
	require.NoError(t, err)
	const n = 32
	s, pref := blobMatrix(n)
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, n, pref))

	scratch := t.TempDir()
	res := mustRun(t, store, 4, 1,
		WithConvergenceIterations(10),
		WithForceSpill(true),
		WithScratchDir(scratch),
	)
	assertValidLabels(t, res)

	labels, _ := readInt32(t, store, LabelsName(1))
	assert.Equal(t, res.Labels, labels)

	leftover, err := store.List(ctx, "tier1/scratch")
	require.NoError(t, err)
	assert.Empty(t, leftover)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClusterer_Truncation(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	const n = 18
	s, pref := blobMatrix(n)
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, n, pref))

	res := mustRun(t, store, 4, 1, WithConvergenceIterations(10))

	assert.Equal(t, 18, res.Layout.NRaw)
	assert.Equal(t, 16, res.Layout.N)
	assertValidLabels(t, res)

	labels, _ := readInt32(t, store, LabelsName(1))
	assert.Len(t, labels, 16)
}

func TestClusterer_NoClusters(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	const n = 8
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, testutil.UniformMatrix(n, -1), n, -1000))

	res := mustRun(t, store, 2, 1, WithConvergenceIterations(5), WithMaxIterations(20))

	assert.Equal(t, engine.StateExhausted, res.State)
	assert.False(t, res.Converged())
	assert.Equal(t, 20, res.Iterations)
	assert.Equal(t, 0, res.K)
	assert.ErrorIs(t, res.Err(), ErrNoClusters)
	assert.Empty(t, res.Labels)
	assert.Empty(t, res.Exemplars)

	labels, ds := readInt32(t, store, LabelsName(1))
	assert.Empty(t, labels)
	k, ok := ds.Attr("k")
	assert.True(t, ok)
	assert.Zero(t, k)
	converged, _ := ds.Attr("converged")
	assert.Zero(t, converged)

	centers, _ := readInt32(t, store, CentersName(1))
	assert.Empty(t, centers)
}

func TestClusterer_Hierarchical(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	s := testutil.PairsMatrix()
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, 6, 0))

	opts := []Option{WithConvergenceIterations(5), WithMaxIterations(100)}
	tier1 := mustRun(t, store, 1, 1, opts...)
	require.Equal(t, 3, tier1.K)

	// Tier 2 clusters the tier-1 exemplars.
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 2, testutil.SubMatrix(s, 6, tier1.Exemplars), tier1.K, 0))
	tier2 := mustRun(t, store, 1, 2, opts...)
	require.Positive(t, tier2.K)
	assertValidLabels(t, tier2)

	require.Len(t, tier2.Merged, len(tier1.Labels))
	for p, c1 := range tier1.Labels {
		assert.Equal(t, tier2.Labels[c1], tier2.Merged[p], "point %d", p)
	}

	merged, _ := readInt32(t, store, MergedName(2))
	assert.Equal(t, tier2.Merged, merged)
}

func TestClusterer_HierarchicalMissingParent(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 2, testutil.UniformMatrix(4, -1), 4, -2))

	_, errs := runTier(t, store, 2, 2)

	var se *StoreError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, LabelsName(1), se.Dataset)
	assert.ErrorIs(t, errs[0], arraystore.ErrNotFound)
	assert.Error(t, errs[1])
}

func TestClusterer_ConfigErrors(t *testing.T) {
	ctx := context.Background()

	square := func(t *testing.T) arraystore.Store {
		store := arraystore.NewMemoryStore()
		require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, testutil.UniformMatrix(8, -1), 8, -2))
		return store
	}
	create := func(t *testing.T, shape []int, attrs map[string]float64) arraystore.Store {
		store := arraystore.NewMemoryStore()
		ds, err := store.Create(ctx, SimilarityName(1), arraystore.Spec{
			Shape: shape,
			DType: arraystore.Float32,
			Attrs: attrs,
		})
		require.NoError(t, err)
		require.NoError(t, ds.Close())
		return store
	}

	cases := []struct {
		name  string
		store func(t *testing.T) arraystore.Store
		tier  int
		opts  []Option
		field string
		kind  error
	}{
		{
			name:  "damping below range",
			store: square,
			tier:  1,
			opts:  []Option{WithDamping(0.3)},
			field: "damping",
		},
		{
			name:  "damping of one",
			store: square,
			tier:  1,
			opts:  []Option{WithDamping(1)},
			field: "damping",
		},
		{
			name:  "window not below cap",
			store: square,
			tier:  1,
			opts:  []Option{WithConvergenceIterations(50), WithMaxIterations(50)},
			field: "conv_iter",
		},
		{
			name:  "tier zero",
			store: square,
			tier:  0,
			field: "tier",
		},
		{
			name:  "unknown compression",
			store: square,
			tier:  1,
			opts:  []Option{WithSpillCompression("brotli")},
			field: "spill_compression",
		},
		{
			name: "not square",
			store: func(t *testing.T) arraystore.Store {
				return create(t, []int{8, 6}, map[string]float64{"preference": -1})
			},
			tier:  1,
			field: "similarity",
			kind:  ErrNotSquare,
		},
		{
			name: "missing preference",
			store: func(t *testing.T) arraystore.Store {
				return create(t, []int{8, 8}, nil)
			},
			tier:  1,
			field: "preference",
			kind:  ErrMissingPreference,
		},
		{
			name: "too few rows for the group",
			store: func(t *testing.T) arraystore.Store {
				return create(t, []int{3, 3}, map[string]float64{"preference": -1})
			},
			tier:  1,
			field: "similarity",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results, errs := runTier(t, tc.store(t), 4, tc.tier, tc.opts...)
			for r := range errs {
				assert.Nil(t, results[r])
				var ce *ConfigError
				require.ErrorAs(t, errs[r], &ce, "rank %d", r)
				assert.Equal(t, tc.field, ce.Field)
				assert.ErrorIs(t, errs[r], ErrInvalidConfig)
				if tc.kind != nil {
					assert.ErrorIs(t, errs[r], tc.kind)
				}
				assert.Equal(t, errs[0].Error(), errs[r].Error(), "rank %d", r)
			}
		})
	}
}

func TestClusterer_MissingInput(t *testing.T) {
	_, errs := runTier(t, arraystore.NewMemoryStore(), 2, 1)

	var se *StoreError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, SimilarityName(1), se.Dataset)
	assert.True(t, errors.Is(errs[0], arraystore.ErrNotFound))

	var remote *comm.RemoteError
	require.ErrorAs(t, errs[1], &remote)
	assert.Equal(t, 0, remote.Rank)
}

// pairsMatrix is testutil.PairsMatrix for n points, n even: points 2p and
// 2p+1 are identical and every other pair is at similarity far.
func pairsMatrix(n int, far float32) []float32 {
	s := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i/2 != j/2 {
				s[i*n+j] = far
			}
		}
	}
	return s
}

func pairLabels(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i / 2)
	}
	return out
}

func TestClusterer_Archive(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	const n = 8
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, pairsMatrix(n, -100), n, 0))

	blobs := blobstore.NewMemoryStore()
	res := mustRun(t, store, 2, 1,
		WithConvergenceIterations(5),
		WithMaxIterations(100),
		WithDamping(0.9),
		WithArchive(archive.NewPublisher(blobs)),
	)
	require.Equal(t, n, res.Layout.N)
	assert.Equal(t, 4, res.K)
	assert.Equal(t, pairLabels(n), res.Labels)

	got, err := archive.LoadCurrent(ctx, blobs)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Tier)
	assert.Equal(t, res.Layout.N, got.N)
	assert.Equal(t, res.Iterations, got.Iterations)
	assert.Equal(t, res.State.String(), got.State)
	assert.Equal(t, res.Labels, got.Labels)
	assert.Equal(t, res.Exemplars, got.Centers)
}

func TestClusterer_Metrics(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	const n = 8
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, pairsMatrix(n, -100), n, 0))

	mc := &BasicMetricsCollector{}
	res := mustRun(t, store, 2, 1,
		WithConvergenceIterations(5),
		WithMaxIterations(100),
		WithDamping(0.9),
		WithForceSpill(true),
		WithMetricsCollector(mc),
	)
	require.Equal(t, n, res.Layout.N)
	assert.True(t, res.Layout.Spill)

	stats := mc.GetStats()
	assert.Equal(t, int64(2), stats.RunCount)
	assert.Zero(t, stats.RunErrors)
	assert.Equal(t, int64(4), stats.LastK)
	assert.Positive(t, stats.IterationCount)
	assert.Positive(t, stats.SpillBytesWritten)
	for _, phase := range []string{"setup", "resolve", "output"} {
		assert.Contains(t, stats.Phases, phase)
	}
	assert.Equal(t, 4, res.K)
}

func TestClusterer_NeverLink(t *testing.T) {
	ctx := context.Background()
	const n = 8
	inf := float32(math.Inf(-1))

	for _, nprocs := range []int{1, 2} {
		t.Run(fmt.Sprintf("nprocs=%d", nprocs), func(t *testing.T) {
			store := arraystore.NewMemoryStore()
			require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, pairsMatrix(n, inf), n, 0))

			res := mustRun(t, store, nprocs, 1,
				WithConvergenceIterations(5),
				WithMaxIterations(100),
				WithDamping(0.9),
			)
			assert.True(t, res.Converged())
			assert.Equal(t, 4, res.K)
			assert.Equal(t, pairLabels(n), res.Labels)
		})
	}
}

func TestClusterer_InvalidSimilarity(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	const n = 8
	s := pairsMatrix(n, -100)
	s[1*n+5] = float32(math.NaN())
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, n, 0))

	_, errs := runTier(t, store, 1, 1)
	assert.ErrorIs(t, errs[0], engine.ErrInvalidSimilarity)
}

func TestNew_Validation(t *testing.T) {
	g := comm.NewGroup(comm.NewLocalTransports(1)[0])

	_, err := New(nil, g)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(arraystore.NewMemoryStore(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := New(arraystore.NewMemoryStore(), g, WithDamping(0.7), WithMaxIterations(30))
	require.NoError(t, err)
	assert.Equal(t, 0.7, c.Config().Damping)
	assert.Equal(t, 30, c.Config().MaxIter)
	assert.Equal(t, engine.DefaultConvIter, c.Config().ConvIter)
}

func TestMergeLabels(t *testing.T) {
	cases := []struct {
		name   string
		parent []int32
		labels []int32
		want   []int32
	}{
		{"remap", []int32{0, 0, 1, 2, 2}, []int32{1, 0, 1}, []int32{1, 1, 0, 1, 1}},
		{"truncated parent", []int32{0, 3, 1}, []int32{0, 1}, []int32{0, -1, 1}},
		{"parent already unassigned", []int32{-1, 0}, []int32{0}, []int32{-1, 0}},
		{"no clusters", []int32{0, 1}, []int32{}, []int32{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mergeLabels(tc.parent, tc.labels))
		})
	}
}
