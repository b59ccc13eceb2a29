package conv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntToInt32(t *testing.T) {
	v, err := IntToInt32(-1)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), v)

	v, err = IntToInt32(math.MaxInt32)
	require.NoError(t, err)
	assert.Equal(t, int32(math.MaxInt32), v)

	_, err = IntToInt32(math.MaxInt32 + 1)
	assert.Error(t, err)
	_, err = IntToInt32(math.MinInt32 - 1)
	assert.Error(t, err)
}

func TestIntToUint32(t *testing.T) {
	v, err := IntToUint32(42)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)

	_, err = IntToUint32(-1)
	assert.ErrorContains(t, err, "negative")
	_, err = IntToUint32(math.MaxUint32 + 1)
	assert.ErrorContains(t, err, "too large")
}

func TestInt64ToInt(t *testing.T) {
	v, err := Int64ToInt(1 << 40)
	require.NoError(t, err)
	assert.Equal(t, 1<<40, v)
}

func TestUint64ToInt(t *testing.T) {
	v, err := Uint64ToInt(7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = Uint64ToInt(math.MaxUint64)
	assert.Error(t, err)
}

func TestUint32ToInt(t *testing.T) {
	v, err := Uint32ToInt(math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, math.MaxUint32, v)
}

func TestFloat32sRoundTrip(t *testing.T) {
	src := []float32{0, -1.5, float32(math.Inf(-1)), -math.MaxFloat32, 3.25}
	buf := make([]byte, 4*len(src))
	PutFloat32s(buf, src)

	dst := make([]float32, len(src))
	Float32s(dst, buf)
	assert.Equal(t, src, dst)

	labels := []int32{-1, 0, 7, math.MaxInt32}
	lb := make([]byte, 16)
	PutInt32s(lb, labels)
	got := make([]int32, 4)
	Int32s(got, lb)
	assert.Equal(t, labels, got)
}
