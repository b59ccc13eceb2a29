package partition

import (
	"errors"
	"fmt"
)

const (
	// BlockingFactor times the group size divides N in multi-process runs,
	// so every rank contributes an equal, 4-aligned share to all-gathers.
	BlockingFactor = 4

	// ItemSize is the width of one matrix element in bytes.
	ItemSize = 4

	// SafetyFactor scales the bytes of one ll×N tile to the working set of a
	// rank: S, R, A, Rp and their exchange buffers.
	SafetyFactor = 8.8
)

var (
	// ErrEmptyMatrix is returned when nothing is left to cluster after
	// truncation.
	ErrEmptyMatrix = errors.New("partition: no rows left after truncation")

	// ErrInsufficientMemory is returned when not even a single row tile fits
	// in the memory available to a rank.
	ErrInsufficientMemory = errors.New("partition: memory cannot hold a single row tile")

	// ErrInvalidLayout is returned for layouts that violate the tiling rules.
	ErrInvalidLayout = errors.New("partition: invalid layout")
)

// PlanOptions adjusts the memory-derived tiling.
type PlanOptions struct {
	// TileHeight overrides the memory-derived tile height. It is still
	// clamped to the block height and lowered until it divides it.
	TileHeight int
	// ForceSpill keeps R and A on disk even when a whole block would fit.
	ForceSpill bool
}

// Layout is the agreed partitioning of an N×N matrix over a process group.
// Rank r owns rows and columns [r*L, (r+1)*L), processed in tiles of LL.
type Layout struct {
	NRaw   int  `json:"n_raw"`
	N      int  `json:"n"`
	NProcs int  `json:"nprocs"`
	L      int  `json:"l"`
	LL     int  `json:"ll"`
	Spill  bool `json:"spill"`
}

// Plan computes the layout for an nRaw×nRaw matrix clustered by nprocs ranks
// that each have memPerProc bytes available.
func Plan(nRaw, nprocs int, memPerProc int64, opts PlanOptions) (Layout, error) {
	if nprocs < 1 {
		return Layout{}, fmt.Errorf("%w: group size %d", ErrInvalidLayout, nprocs)
	}
	if nRaw < 0 {
		return Layout{}, fmt.Errorf("%w: matrix extent %d", ErrInvalidLayout, nRaw)
	}

	n := nRaw
	if nprocs > 1 {
		n -= nRaw % (BlockingFactor * nprocs)
	}
	if n == 0 {
		return Layout{}, fmt.Errorf("%w: n=%d nprocs=%d", ErrEmptyMatrix, nRaw, nprocs)
	}
	l := n / nprocs

	ll := opts.TileHeight
	if ll <= 0 {
		ll = int(float64(memPerProc) / (float64(n) * ItemSize * SafetyFactor))
		if ll < 1 {
			return Layout{}, fmt.Errorf("%w: %d bytes for rows of %d elements",
				ErrInsufficientMemory, memPerProc, n)
		}
	}
	ll = min(ll, l)
	for l%ll != 0 {
		ll--
	}

	return Layout{
		NRaw:   nRaw,
		N:      n,
		NProcs: nprocs,
		L:      l,
		LL:     ll,
		Spill:  ll < l || opts.ForceSpill,
	}, nil
}

// Validate checks the invariants Plan guarantees. Ranks call it on layouts
// received from the coordinator.
func (l Layout) Validate() error {
	switch {
	case l.NProcs < 1, l.N < 1, l.NRaw < l.N:
		return fmt.Errorf("%w: %+v", ErrInvalidLayout, l)
	case l.L*l.NProcs != l.N:
		return fmt.Errorf("%w: block %d × %d ranks != %d", ErrInvalidLayout, l.L, l.NProcs, l.N)
	case l.LL < 1 || l.LL > l.L || l.L%l.LL != 0:
		return fmt.Errorf("%w: tile height %d does not divide block %d", ErrInvalidLayout, l.LL, l.L)
	case l.LL < l.L && !l.Spill:
		return fmt.Errorf("%w: partial tiles require spill", ErrInvalidLayout)
	}
	return nil
}

// Truncated returns the number of trailing rows dropped from clustering.
func (l Layout) Truncated() int { return l.NRaw - l.N }

// Tiles returns the number of tiles per block.
func (l Layout) Tiles() int { return l.L / l.LL }

// RowRange returns the half-open row (and column) range owned by rank.
func (l Layout) RowRange(rank int) (lo, hi int) {
	return rank * l.L, (rank + 1) * l.L
}

// TileRange returns the half-open global range of tile t of rank's block.
func (l Layout) TileRange(rank, t int) (lo, hi int) {
	lo = rank*l.L + t*l.LL
	return lo, lo + l.LL
}

// Owner returns the rank owning global index i.
func (l Layout) Owner(i int) int { return i / l.L }

// TileBytes returns the size of one ll×N float32 tile.
func (l Layout) TileBytes() int64 {
	return int64(l.LL) * int64(l.N) * ItemSize
}

func (l Layout) String() string {
	return fmt.Sprintf("n=%d (raw %d) nprocs=%d block=%d tile=%d spill=%t",
		l.N, l.NRaw, l.NProcs, l.L, l.LL, l.Spill)
}
