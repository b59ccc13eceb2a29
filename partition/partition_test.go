package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_SingleProcessKeepsN(t *testing.T) {
	l, err := Plan(103, 1, 1<<30, PlanOptions{})
	require.NoError(t, err)

	assert.Equal(t, 103, l.N)
	assert.Equal(t, 103, l.L)
	assert.Equal(t, 103, l.LL)
	assert.False(t, l.Spill)
	assert.Zero(t, l.Truncated())
	require.NoError(t, l.Validate())
}

func TestPlan_TruncatesToBlockingFactor(t *testing.T) {
	l, err := Plan(103, 4, 1<<30, PlanOptions{})
	require.NoError(t, err)

	assert.Equal(t, 96, l.N)
	assert.Equal(t, 24, l.L)
	assert.Equal(t, 7, l.Truncated())

	lo, hi := l.RowRange(2)
	assert.Equal(t, 48, lo)
	assert.Equal(t, 72, hi)
	assert.Equal(t, 3, l.Owner(95))
	assert.Equal(t, 0, l.Owner(23))
}

func TestPlan_TileHeightFromMemory(t *testing.T) {
	// Room for a little over 10 rows of 100 float32s at the safety factor.
	mem := int64(10 * 100 * ItemSize * 9)
	l, err := Plan(100, 1, mem, PlanOptions{})
	require.NoError(t, err)

	assert.Equal(t, 10, l.LL)
	assert.Equal(t, 10, l.Tiles())
	assert.True(t, l.Spill)

	// 7 rows fit but do not divide the block; 5 is the largest divisor below.
	mem = int64(7 * 100 * ItemSize * 9)
	l, err = Plan(100, 1, mem, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, l.LL)

	lo, hi := l.TileRange(0, 3)
	assert.Equal(t, 15, lo)
	assert.Equal(t, 20, hi)
}

func TestPlan_Overrides(t *testing.T) {
	l, err := Plan(64, 2, 1<<30, PlanOptions{TileHeight: 12})
	require.NoError(t, err)
	assert.Equal(t, 32, l.L)
	assert.Equal(t, 8, l.LL)
	assert.True(t, l.Spill)

	l, err = Plan(64, 2, 1<<30, PlanOptions{ForceSpill: true})
	require.NoError(t, err)
	assert.Equal(t, l.L, l.LL)
	assert.True(t, l.Spill)
	require.NoError(t, l.Validate())
}

func TestPlan_Errors(t *testing.T) {
	_, err := Plan(7, 2, 1<<30, PlanOptions{})
	assert.ErrorIs(t, err, ErrEmptyMatrix)

	_, err = Plan(1000, 1, 16, PlanOptions{})
	assert.ErrorIs(t, err, ErrInsufficientMemory)

	_, err = Plan(10, 0, 1<<30, PlanOptions{})
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestLayout_Validate(t *testing.T) {
	bad := []Layout{
		{NRaw: 8, N: 8, NProcs: 2, L: 3, LL: 3},
		{NRaw: 8, N: 8, NProcs: 2, L: 4, LL: 3, Spill: true},
		{NRaw: 8, N: 8, NProcs: 2, L: 4, LL: 2},
		{NRaw: 4, N: 8, NProcs: 2, L: 4, LL: 4},
	}
	for _, l := range bad {
		assert.ErrorIs(t, l.Validate(), ErrInvalidLayout, "%+v", l)
	}
}

func TestHostMemory(t *testing.T) {
	assert.Positive(t, HostMemory())
	assert.LessOrEqual(t, MemoryPerProcess(4), HostMemory())
}
