package spill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/hupe1980/apcluster/internal/conv"
	"github.com/hupe1980/apcluster/internal/fs"
	"github.com/hupe1980/apcluster/internal/resource"
)

// Options configures a spill Store.
type Options struct {
	FS          fs.FileSystem
	Compression Compression
	// Resources paces tile IO. May be nil.
	Resources *resource.Controller
}

// Store keeps whole float32 tiles in private files under one directory.
//
// A Store belongs to a single rank and is not safe for concurrent use: tiles
// are written once per iteration and read back in the next one, always
// whole, so each tile lives in its own file and may shrink or grow as its
// compressed size changes.
type Store struct {
	dir  string
	opts Options

	raw   []byte
	frame []byte

	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
}

// Open creates dir if needed and returns a Store rooted there.
func Open(dir string, opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spill: create %s: %w", dir, err)
	}
	return &Store{dir: dir, opts: opts}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string, tile int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%06d.tile", name, tile))
}

// WriteTile persists tile number t of the named matrix.
func (s *Store) WriteTile(ctx context.Context, name string, t int, data []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.raw = grow(s.raw, 4*len(data))
	conv.PutFloat32s(s.raw, data)

	frame, err := encodeFrame(s.frame[:0], s.raw, s.opts.Compression)
	if err != nil {
		return fmt.Errorf("spill: encode %s tile %d: %w", name, t, err)
	}
	s.frame = frame

	if err := s.opts.Resources.AcquireIO(ctx, len(frame)); err != nil {
		return err
	}

	f, err := s.opts.FS.OpenFile(s.path(name, t), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("spill: open %s tile %d: %w", name, t, err)
	}
	if _, err := f.WriteAt(frame, 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("spill: write %s tile %d: %w", name, t, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("spill: close %s tile %d: %w", name, t, err)
	}

	s.bytesWritten.Add(int64(len(frame)))
	return nil
}

// ReadTile loads tile number t of the named matrix into dst.
// It reports false, leaving dst untouched, if the tile was never written.
func (s *Store) ReadTile(ctx context.Context, name string, t int, dst []float32) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f, err := s.opts.FS.OpenFile(s.path(name, t), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("spill: open %s tile %d: %w", name, t, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	size, err := conv.Int64ToInt(info.Size())
	if err != nil {
		return false, err
	}

	if err := s.opts.Resources.AcquireIO(ctx, size); err != nil {
		return false, err
	}

	s.frame = grow(s.frame, size)
	if _, err := f.ReadAt(s.frame, 0); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("spill: read %s tile %d: %w", name, t, err)
	}

	s.raw = grow(s.raw, 4*len(dst))
	if err := decodeFrame(s.raw, s.frame); err != nil {
		return false, fmt.Errorf("spill: decode %s tile %d: %w", name, t, err)
	}
	conv.Float32s(dst, s.raw)

	s.bytesRead.Add(int64(size))
	return true, nil
}

// BytesWritten returns the total framed bytes written.
func (s *Store) BytesWritten() int64 { return s.bytesWritten.Load() }

// BytesRead returns the total framed bytes read.
func (s *Store) BytesRead() int64 { return s.bytesRead.Load() }

// RemoveAll deletes the store directory and every tile in it.
func (s *Store) RemoveAll() error {
	return s.opts.FS.RemoveAll(s.dir)
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
