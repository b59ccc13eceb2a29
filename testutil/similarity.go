package testutil

import (
	"context"
	"fmt"
	"sort"

	"github.com/hupe1980/apcluster/arraystore"
)

// PairsMatrix returns the 6×6 similarity matrix of three well separated
// pairs of identical points: 0 within a pair and on the diagonal, -100
// between pairs.
func PairsMatrix() []float32 {
	const n = 6
	s := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i/2 != j/2 {
				s[i*n+j] = -100
			}
		}
	}
	return s
}

// UniformMatrix returns an n×n matrix whose off-diagonal entries all equal v.
func UniformMatrix(n int, v float32) []float32 {
	s := make([]float32, n*n)
	for i := range s {
		if i/n != i%n {
			s[i] = v
		}
	}
	return s
}

// NegSquaredDistances returns the similarity matrix S[i,j] = -||p_i - p_j||².
func NegSquaredDistances(points [][]float32) []float32 {
	n := len(points)
	s := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var d float32
			for k := range points[i] {
				diff := points[i][k] - points[j][k]
				d += diff * diff
			}
			s[i*n+j], s[j*n+i] = -d, -d
		}
	}
	return s
}

// MedianSimilarity returns the median off-diagonal entry, the customary
// preference for a moderate number of clusters.
func MedianSimilarity(s []float32, n int) float32 {
	off := make([]float32, 0, n*(n-1))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				off = append(off, s[i*n+j])
			}
		}
	}
	if len(off) == 0 {
		return 0
	}
	sort.Slice(off, func(a, b int) bool { return off[a] < off[b] })
	return off[len(off)/2]
}

// SubMatrix returns the similarities among the points idx of an n×n matrix.
func SubMatrix(s []float32, n int, idx []int32) []float32 {
	m := len(idx)
	out := make([]float32, m*m)
	for a, i := range idx {
		for b, j := range idx {
			out[a*m+b] = s[int(i)*n+int(j)]
		}
	}
	return out
}

// WriteSimilarity stores s as the input dataset tier<tier>/cluster with the
// given preference attribute.
func WriteSimilarity(ctx context.Context, store arraystore.Store, tier int, s []float32, n int, pref float32) error {
	if len(s) != n*n {
		return fmt.Errorf("testutil: matrix holds %d values, want %d", len(s), n*n)
	}
	ds, err := store.Create(ctx, fmt.Sprintf("tier%d/cluster", tier), arraystore.Spec{
		Shape: []int{n, n},
		DType: arraystore.Float32,
		Attrs: map[string]float64{"preference": float64(pref)},
	})
	if err != nil {
		return err
	}
	if err := ds.WriteFloat32(ctx, arraystore.RowBlock(0, n, n), s); err != nil {
		_ = ds.Close()
		return err
	}
	if err := ds.Flush(ctx); err != nil {
		_ = ds.Close()
		return err
	}
	return ds.Close()
}
