package engine

import "math"

// blank stands in for a masked column when searching for the runner-up.
const blank = -math.MaxFloat32

// responsibilityRow updates one row of R in place and fills the matching row
// of Rp.
//
// s and a are row i of S and A, r holds the previous R row on entry and
// the damped one on return. diag is the column of the row's own diagonal.
// It returns the damped self-responsibility R[i,i].
func responsibilityRow(s, a, r, rp []float32, diag int, damping float32) float32 {
	max1, max2 := float32(blank), float32(blank)
	arg := -1
	for k := range s {
		v := a[k] + s[k]
		if v > max1 {
			max2 = max1
			max1, arg = v, k
		} else if v > max2 {
			max2 = v
		}
	}

	keep := 1 - damping
	for k := range s {
		m := max1
		if k == arg {
			m = max2
		}
		r[k] = keep*(s[k]-m) + damping*r[k]
		if k == diag || r[k] > 0 {
			rp[k] = r[k]
		} else {
			rp[k] = 0
		}
	}
	return r[diag]
}

// columnSums accumulates the rows×cols block rp column by column, in
// ascending row order, into sums.
func columnSums(rp []float32, rows, cols int, sums []float64) {
	clear(sums[:cols])
	for i := 0; i < rows; i++ {
		row := rp[i*cols : (i+1)*cols]
		for c, v := range row {
			sums[c] += float64(v)
		}
	}
}

// availabilityColumns updates a tile of availability columns.
//
// rp is the N×cols column block of Rp (row-major), sums its column sums and
// c0 the global index of the first column. at holds the previous values of
// the tile transposed (row c is column c0+c of A) and receives the damped
// result. The tile's new diagonal A[k,k] is written to diag.
func availabilityColumns(rp []float32, n, cols, c0 int, sums []float64, at []float32, diag []float32, damping float32) {
	keep := 1 - damping
	for c := 0; c < cols; c++ {
		k := c0 + c
		row := at[c*n : (c+1)*n]
		for i := 0; i < n; i++ {
			raw := float32(sums[c] - float64(rp[i*cols+c]))
			if i != k && raw > 0 {
				raw = 0
			}
			row[i] = keep*raw + damping*row[i]
		}
		diag[c] = row[k]
	}
}

// transposeInto writes the rows×cols block src transposed into dst.
func transposeInto(dst, src []float32, rows, cols int) {
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
}
