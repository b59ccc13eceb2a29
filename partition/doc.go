// Package partition splits an N×N similarity matrix across the ranks of a
// process group.
//
// Rank r owns the contiguous block of rows [r*L, (r+1)*L) during the
// responsibility phase and the same range of columns during the
// availability phase. Blocks are processed in tiles of LL rows (or
// columns); when a whole block does not fit in a rank's memory the tiles
// spill to disk.
package partition
