package engine

import "math"

// Similarities are nudged by a tiny amount derived from their coordinates
// before the first iteration. Exactly tied similarities (duplicate points,
// constant matrices) otherwise leave every responsibility at zero and no
// point ever becomes an exemplar. The nudge is a pure function of (i, j)
// and the stored value, so every rank and every tiling sees the same matrix.
const (
	tieEpsilon = float32(1.1920929e-07) // float32 machine epsilon
	tieFloor   = float32(1.1754944e-36) // 100 * smallest normal float32
)

// tieBreak returns s perturbed upward by at most tieEpsilon*|s| + tieFloor.
// Non-finite values are returned unchanged, so -Inf keeps meaning "never".
func tieBreak(i, j int, s float32) float32 {
	if math.IsInf(float64(s), 0) || math.IsNaN(float64(s)) {
		return s
	}
	u := float64(splitmix64(uint64(i)<<32|uint64(j))>>40) / (1 << 24)
	bound := float64(tieEpsilon)*math.Abs(float64(s)) + float64(tieFloor)
	v := float32(float64(s) + bound*u)
	if float64(v)-float64(s) > bound {
		// Rounded past the bound; step back towards s.
		v = math.Nextafter32(v, s)
	}
	return v
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
