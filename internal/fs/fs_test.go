package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "subdir")
	assert.NoError(t, lfs.MkdirAll(dir, 0755))

	fpath := filepath.Join(dir, "test.bin")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("world"), 5)
	assert.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 0)
	assert.NoError(t, err)
	assert.NoError(t, f.Sync())

	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, "helloworld", string(buf))

	assert.NoError(t, f.Truncate(3))
	info, err := f.Stat()
	assert.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())
	assert.NotZero(t, f.Fd())
	assert.NoError(t, f.Close())

	entries, err := lfs.ReadDir(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)

	newPath := filepath.Join(dir, "renamed.bin")
	assert.NoError(t, lfs.Rename(fpath, newPath))
	assert.NoError(t, lfs.Remove(newPath))
	_, err = lfs.Stat(newPath)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, lfs.RemoveAll(dir))
	_, err = lfs.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestFaultyFS_GlobalLimit(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})
	ffs.SetLimit(5)

	f, err := ffs.OpenFile(filepath.Join(tmp, "faulty.bin"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt([]byte("hello"), 0)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = f.WriteAt([]byte("!"), 5)
	assert.Error(t, err)
	assert.Equal(t, int64(5), ffs.Written())
}

func TestFaultyFS_Rules(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	diskFull := errors.New("no space left on device")
	ffs.AddRule("spill", Fault{FailAfterBytes: 2, Err: diskFull})
	ffs.AddRule("broken", Fault{FailAfterBytes: -1, FailOnRead: true, FailOnSync: true, FailOnClose: true})

	f, err := ffs.OpenFile(filepath.Join(tmp, "spill-0"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	assert.ErrorIs(t, err, diskFull)
	require.NoError(t, f.Close())

	g, err := ffs.OpenFile(filepath.Join(tmp, "broken"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = g.ReadAt(make([]byte, 1), 0)
	assert.Error(t, err)
	assert.Error(t, g.Sync())
	assert.Error(t, g.Close())

	h, err := ffs.OpenFile(filepath.Join(tmp, "plain"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = h.Write([]byte("unlimited"))
	assert.NoError(t, err)
	assert.NoError(t, h.Close())
}
