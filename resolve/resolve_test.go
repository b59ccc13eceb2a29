package resolve

import (
	"context"
	"math"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/codec"
	"github.com/hupe1980/apcluster/comm"
	"github.com/hupe1980/apcluster/engine"
	"github.com/hupe1980/apcluster/partition"
	"github.com/hupe1980/apcluster/testutil"
)

func line(xs ...float32) []float32 {
	points := make([][]float32, len(xs))
	for i, x := range xs {
		points[i] = []float32{x}
	}
	return testutil.NegSquaredDistances(points)
}

// resolveOn resolves indicators against the n×n matrix s on an in-process
// group and returns every rank's result.
func resolveOn(t *testing.T, s []float32, n, nprocs int, plan partition.PlanOptions, indicators ...uint32) []*Result {
	t.Helper()
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, s, n, 0))

	results := make([]*Result, nprocs)
	err := comm.RunLocal(ctx, nprocs, func(ctx context.Context, g *comm.Group) error {
		layout, err := partition.Plan(n, g.Size(), partition.DefaultMemory, plan)
		if err != nil {
			return err
		}
		sim, err := store.OpenReadOnly(ctx, "tier1/cluster")
		if err != nil {
			return err
		}
		defer sim.Close()

		r, err := New(&engine.ClusteringContext{Group: g, Layout: layout, Tier: 1, Store: store, Similarity: sim})
		if err != nil {
			return err
		}
		defer r.Close()

		res, err := r.Resolve(ctx, roaring.BitmapOf(indicators...))
		if err != nil {
			return err
		}
		results[g.Rank()] = res
		return nil
	})
	require.NoError(t, err)
	return results
}

func TestResolve_Pairs(t *testing.T) {
	res := resolveOn(t, testutil.PairsMatrix(), 6, 1, partition.PlanOptions{}, 0, 3, 5)[0]

	assert.Equal(t, 3, res.K())
	// Ties inside a pair go to the lower index.
	assert.Equal(t, []int32{0, 2, 4}, res.Exemplars)
	assert.Equal(t, []int32{0, 0, 1, 1, 2, 2}, res.Labels)
	assert.Equal(t, []uint32{2, 3}, res.Members(1).ToArray())
}

func TestResolve_RefinesToCentre(t *testing.T) {
	s := line(0, 1, 2, 3, 4)
	res := resolveOn(t, s, 5, 1, partition.PlanOptions{}, 0)[0]

	assert.Equal(t, []int32{2}, res.Exemplars)
	assert.Equal(t, []int32{0, 0, 0, 0, 0}, res.Labels)
}

func TestResolve_TwoClusters(t *testing.T) {
	s := line(0, 1, 2, 10, 11, 12)
	res := resolveOn(t, s, 6, 1, partition.PlanOptions{}, 0, 5)[0]

	assert.Equal(t, []int32{1, 4}, res.Exemplars)
	assert.Equal(t, []int32{0, 0, 0, 1, 1, 1}, res.Labels)
}

func TestResolve_NeverLink(t *testing.T) {
	const n = 4
	inf := float32(math.Inf(-1))
	s := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && (i == 3 || j == 3) {
				s[i*n+j] = inf
			}
		}
	}
	res := resolveOn(t, s, n, 1, partition.PlanOptions{}, 0)[0]

	assert.Equal(t, []int32{0}, res.Exemplars)
	assert.Equal(t, []int32{0, 0, 0, 0}, res.Labels)
}

func TestResolve_Empty(t *testing.T) {
	res := resolveOn(t, testutil.PairsMatrix(), 6, 1, partition.PlanOptions{})[0]

	assert.Zero(t, res.K())
	assert.Empty(t, res.Exemplars)
	assert.Empty(t, res.Labels)
}

func TestResolve_Invariants(t *testing.T) {
	s := line(0, 1, 2, 3, 20, 21, 22, 23, 40, 41, 42, 43, 60, 61, 62, 63)
	res := resolveOn(t, s, 16, 1, partition.PlanOptions{}, 0, 1, 7, 15)[0]

	require.Equal(t, 4, res.K())
	assert.IsIncreasing(t, res.Exemplars)
	for k, e := range res.Exemplars {
		assert.Equal(t, int32(k), res.Labels[e], "exemplar %d labels itself", e)
	}
	for _, c := range res.Labels {
		assert.GreaterOrEqual(t, c, int32(0))
		assert.Less(t, c, int32(res.K()))
	}
}

func TestResolve_LayoutInvariance(t *testing.T) {
	rng := testutil.NewRNG(7)
	s := testutil.NegSquaredDistances(rng.Blobs(32, 3, 4, 1.5))
	indicators := []uint32{1, 5, 6, 19, 30}

	want := resolveOn(t, s, 32, 1, partition.PlanOptions{}, indicators...)[0]

	tests := []struct {
		name   string
		nprocs int
		plan   partition.PlanOptions
	}{
		{"tiled", 1, partition.PlanOptions{TileHeight: 4}},
		{"two ranks", 2, partition.PlanOptions{}},
		{"four ranks tiled", 4, partition.PlanOptions{TileHeight: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for rank, got := range resolveOn(t, s, 32, tt.nprocs, tt.plan, indicators...) {
				assert.Equal(t, want.Exemplars, got.Exemplars, "rank %d", rank)
				assert.Equal(t, want.Labels, got.Labels, "rank %d", rank)
			}
		})
	}
}

func TestReduceCandidates(t *testing.T) {
	enc := func(c ...candidate) []byte { return codec.MustMarshal(codec.Default, c) }

	got, err := reduceCandidates([][]byte{
		enc(candidate{Sum: -3, Index: 1}, candidate{Index: -1}),
		enc(candidate{Sum: -3, Index: 9}, candidate{Sum: -1, Index: 12}),
		enc(candidate{Sum: -2, Index: 17}, candidate{Sum: -4, Index: 20}),
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{17, 12}, got)

	got, err = reduceCandidates([][]byte{
		enc(candidate{Sum: 0, Index: 3}),
		enc(candidate{Sum: 0, Index: 8}),
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, got)

	_, err = reduceCandidates([][]byte{enc(candidate{Index: -1})}, 1)
	assert.Error(t, err)

	_, err = reduceCandidates([][]byte{enc()}, 1)
	assert.Error(t, err)
}

func TestAssign_NoExemplars(t *testing.T) {
	ctx := context.Background()
	store := arraystore.NewMemoryStore()
	require.NoError(t, testutil.WriteSimilarity(ctx, store, 1, testutil.PairsMatrix(), 6, 0))

	err := comm.RunLocal(ctx, 1, func(ctx context.Context, g *comm.Group) error {
		sim, err := store.OpenReadOnly(ctx, "tier1/cluster")
		if err != nil {
			return err
		}
		defer sim.Close()
		layout, err := partition.Plan(6, 1, partition.DefaultMemory, partition.PlanOptions{})
		if err != nil {
			return err
		}
		r, err := New(&engine.ClusteringContext{Group: g, Layout: layout, Similarity: sim})
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = r.Assign(ctx, nil)
		return err
	})
	assert.ErrorIs(t, err, ErrNoExemplars)
}
