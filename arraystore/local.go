package arraystore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/apcluster/codec"
	"github.com/hupe1980/apcluster/internal/conv"
	"github.com/hupe1980/apcluster/internal/fs"
	"github.com/hupe1980/apcluster/internal/mmap"
)

const fileExt = ".apds"

// LocalStore keeps each dataset in its own file under a root directory:
// dataset "tier1/cluster" lives at <root>/tier1/cluster.apds.
type LocalStore struct {
	root    string
	fs      fs.FileSystem
	mode    WriteMode
	codec   codec.Codec
	useMmap bool
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithFileSystem sets the file system. Memory mapping is disabled for
// anything but the local file system.
func WithFileSystem(fsys fs.FileSystem) LocalOption {
	return func(s *LocalStore) {
		s.fs = fsys
		if _, ok := fsys.(fs.LocalFS); !ok {
			s.useMmap = false
		}
	}
}

// WithWriteMode selects how concurrent writers coordinate.
func WithWriteMode(m WriteMode) LocalOption {
	return func(s *LocalStore) { s.mode = m }
}

// WithCodec sets the codec used for new dataset headers.
func WithCodec(c codec.Codec) LocalOption {
	return func(s *LocalStore) { s.codec = c }
}

// WithMmap toggles memory-mapped read-only opens.
func WithMmap(enabled bool) LocalOption {
	return func(s *LocalStore) { s.useMmap = enabled }
}

// NewLocalStore creates root if needed and returns a store rooted there.
func NewLocalStore(root string, opts ...LocalOption) (*LocalStore, error) {
	s := &LocalStore{
		root:    root,
		fs:      fs.Default,
		mode:    SingleWriter,
		codec:   codec.Default,
		useMmap: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("arraystore: create root %s: %w", root, err)
	}
	return s, nil
}

// Root returns the container directory.
func (s *LocalStore) Root() string { return s.root }

// Mode returns the configured write mode.
func (s *LocalStore) Mode() WriteMode { return s.mode }

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return fmt.Errorf("arraystore: invalid dataset name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("arraystore: invalid dataset name %q", name)
		}
	}
	return nil
}

func (s *LocalStore) path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(name)) + fileExt, nil
}

// Create implements Store.
func (s *LocalStore) Create(ctx context.Context, name string, spec Spec) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	spec = spec.normalized()
	m := meta{Shape: spec.Shape, DType: spec.DType, Chunk: spec.Chunk, Attrs: spec.Attrs}

	hdr, err := encodeHeader(s.codec, m)
	if err != nil {
		return nil, err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("arraystore: create %s: %w", name, err)
	}

	f, err := s.fs.OpenFile(p, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("arraystore: create %s: %w", name, err)
	}
	if err := f.Truncate(headerSize + newLayout(m).dataSize()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("arraystore: size %s: %w", name, err)
	}
	if _, err := f.WriteAt(hdr, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("arraystore: write header %s: %w", name, err)
	}

	return newDataset(name, m, s.newFileBackend(p, f), false), nil
}

// Open implements Store.
func (s *LocalStore) Open(ctx context.Context, name string) (Dataset, error) {
	return s.openFile(ctx, name, os.O_RDWR)
}

// OpenReadOnly implements Store. With mmap enabled the payload is served
// from a read-only mapping of the file.
func (s *LocalStore) OpenReadOnly(ctx context.Context, name string) (Dataset, error) {
	if !s.useMmap {
		return s.openFile(ctx, name, os.O_RDONLY)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}

	mp, err := mmap.Open(p)
	if err != nil {
		return nil, fmt.Errorf("arraystore: open %s: %w", name, err)
	}
	if mp.Size() < headerSize {
		_ = mp.Close()
		return nil, fmt.Errorf("arraystore: open %s: %w", name, errBadHeader)
	}
	m, err := decodeHeader(mp.Bytes()[:headerSize])
	if err != nil {
		_ = mp.Close()
		return nil, fmt.Errorf("arraystore: open %s: %w", name, err)
	}
	size, err := conv.Int64ToInt(newLayout(m).dataSize())
	if err != nil {
		_ = mp.Close()
		return nil, err
	}
	region, err := mp.Region(headerSize, size)
	if err != nil {
		_ = mp.Close()
		return nil, fmt.Errorf("arraystore: open %s: truncated payload: %w", name, err)
	}
	_ = region.Advise(mmap.AccessSequential)

	return newDataset(name, m, &mmapBackend{mapping: mp, region: region}, true), nil
}

func (s *LocalStore) openFile(ctx context.Context, name string, flag int) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.OpenFile(p, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("arraystore: open %s: %w", name, err)
	}

	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			err = errBadHeader
		}
		return nil, fmt.Errorf("arraystore: open %s: %w", name, err)
	}
	m, err := decodeHeader(hdr)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("arraystore: open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() < headerSize+newLayout(m).dataSize() {
		_ = f.Close()
		return nil, fmt.Errorf("arraystore: open %s: file holds %d bytes, layout needs %d",
			name, info.Size(), headerSize+newLayout(m).dataSize())
	}

	return newDataset(name, m, s.newFileBackend(p, f), flag == os.O_RDONLY), nil
}

// Delete implements Store. Deleting a missing dataset is not an error.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("arraystore: delete %s: %w", name, err)
	}
	return nil
}

// Exists implements Store.
func (s *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	if _, err := s.fs.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List implements Store.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := s.fs.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			child := path.Join(rel, e.Name())
			if e.IsDir() {
				if err := walk(filepath.Join(dir, e.Name()), child); err != nil {
					return err
				}
				continue
			}
			if name, ok := strings.CutSuffix(child, fileExt); ok && strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		return nil
	}
	if err := walk(s.root, ""); err != nil {
		return nil, fmt.Errorf("arraystore: list %q: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) newFileBackend(p string, f fs.File) *fileBackend {
	return &fileBackend{path: p, f: f, mode: s.mode, codec: s.codec}
}

// fileBackend serves a dataset through positional file IO.
type fileBackend struct {
	path  string
	f     fs.File
	mode  WriteMode
	codec codec.Codec

	mu sync.RWMutex
}

func (b *fileBackend) readAt(p []byte, off int64) error {
	n, err := b.f.ReadAt(p, headerSize+off)
	if n == len(p) && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (b *fileBackend) writeAt(p []byte, off int64) error {
	_, err := b.f.WriteAt(p, headerSize+off)
	return err
}

func (b *fileBackend) lock(off, n int64, exclusive bool) (func(), error) {
	if exclusive {
		b.mu.Lock()
	} else {
		b.mu.RLock()
	}
	release := func() {
		if exclusive {
			b.mu.Unlock()
		} else {
			b.mu.RUnlock()
		}
	}
	if b.mode != Collective {
		return release, nil
	}
	unlock, err := lockFile(b.path, b.f, headerSize+off, n, exclusive)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlock()
		release()
	}, nil
}

func (b *fileBackend) saveMeta(m meta) error {
	hdr, err := encodeHeader(b.codec, m)
	if err != nil {
		return err
	}
	if b.mode == Collective {
		unlock, err := lockFile(b.path, b.f, 0, headerSize, true)
		if err != nil {
			return err
		}
		defer unlock()
	}
	_, err = b.f.WriteAt(hdr, 0)
	return err
}

func (b *fileBackend) flush() error {
	if b.mode != Collective {
		return nil
	}
	return b.f.Sync()
}

func (b *fileBackend) close() error { return b.f.Close() }

// mmapBackend serves an immutable dataset from a read-only mapping.
type mmapBackend struct {
	mapping *mmap.Mapping
	region  *mmap.Region
}

func (b *mmapBackend) readAt(p []byte, off int64) error {
	n, err := b.region.ReadAt(p, off)
	if n == len(p) && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (b *mmapBackend) writeAt([]byte, int64) error { return ErrReadOnly }

func (b *mmapBackend) lock(int64, int64, bool) (func(), error) { return func() {}, nil }

func (b *mmapBackend) saveMeta(meta) error { return ErrReadOnly }

func (b *mmapBackend) flush() error { return nil }

func (b *mmapBackend) close() error { return b.mapping.Close() }
