// Package testutil provides testing utilities for apcluster.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded RNG and builders for synthetic similarity matrices.
//
// # Random Data
//
//	rng := testutil.NewRNG(seed)
//	points := rng.Blobs(64, 2, 4, 0.5)
//	s := testutil.NegSquaredDistances(points)
//
// # Input Datasets
//
//	err := testutil.WriteSimilarity(ctx, store, 1, s, 64, testutil.MedianSimilarity(s, 64))
package testutil
