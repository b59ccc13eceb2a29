package mmap

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFloats(t *testing.T, header int, vals []float32) string {
	t.Helper()
	buf := make([]byte, header+4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[header+4*i:], math.Float32bits(v))
	}
	path := filepath.Join(t.TempDir(), "tile.bin")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestMapping_ReadAt(t *testing.T) {
	path := writeFloats(t, 0, []float32{1, 2, 3, 4})

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 16, m.Size())
	assert.Len(t, m.Bytes(), 16)

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 8)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, float32(3), math.Float32frombits(binary.LittleEndian.Uint32(buf)))

	n, err = m.ReadAt(make([]byte, 8), 12)
	assert.Equal(t, 4, n)
	assert.Equal(t, io.EOF, err)

	_, err = m.ReadAt(buf, 100)
	assert.Equal(t, io.EOF, err)

	_, err = m.ReadAt(buf, -1)
	assert.Equal(t, ErrInvalidOffset, err)
}

func TestRegion_SkipsHeader(t *testing.T) {
	path := writeFloats(t, 64, []float32{-1, 0.5, 7})

	m, err := Open(path)
	require.NoError(t, err)

	r, err := m.Region(64, m.Size()-64)
	require.NoError(t, err)
	assert.Equal(t, 12, r.Size())
	require.NoError(t, r.Advise(AccessSequential))
	require.NoError(t, m.Advise(AccessRandom))

	buf := make([]byte, 4)
	_, err = r.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), math.Float32frombits(binary.LittleEndian.Uint32(buf)))

	_, err = m.Region(60, 100)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Nil(t, r.Bytes())
	assert.Nil(t, m.Bytes())
	_, err = r.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Advise(AccessDefault), ErrClosed)
	_, err = m.Region(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMapping_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 0, m.Size())
	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.Equal(t, io.EOF, err)
}
