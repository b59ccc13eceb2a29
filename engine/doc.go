// Package engine runs the affinity propagation message passing of one rank.
//
// # Partitioning
//
// A run is described by a partition.Layout. Rank r owns rows
// [r*L, (r+1)*L) of the responsibilities R and the same columns of the
// availabilities A, and walks them in tiles of LL rows (or columns). A
// rank's A columns are kept transposed so that both matrices are accessed
// in contiguous ll×N tiles.
//
// # Iteration
//
// Every iteration has three phases, each closed by a barrier:
//
//   - Responsibility: for every owned row i, the largest and second largest
//     A[i,k]+S[i,k] give R[i,k] = S[i,k] - max_{k'≠k}(A[i,k']+S[i,k']),
//     damped against the previous value. Rows of Rp, R with off-diagonal
//     entries clipped at zero, are published to the exchange.
//   - Availability: every owned column k of Rp is read back from the
//     exchange and summed. A[i,k] = min(0, sum - Rp[i,k]) for i≠k and
//     A[k,k] = sum - Rp[k,k], damped. Columns of A are published.
//   - Convergence: each rank flags the points i it owns with
//     R[i,i]+A[i,i] > 0. The flags are all-gathered, pushed into a
//     convergence.Tracker and rank 0 decides whether the window settled.
//
// Column sums are accumulated in float64 in ascending row order, so the
// outcome does not depend on the number of ranks or the tile height.
//
// # Storage
//
// When a rank's whole block fits in memory, S, R and A stay resident.
// Otherwise S is re-read from the container tile by tile and R and A are
// spilled to private per-rank files through internal/spill. The exchange
// matrices live in memory for a single resident rank and in the container
// as tier<t>/scratch/{Rp,A} otherwise.
package engine
