package arraystore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store. Handles opened on the same name share
// one buffer, so it also serves the ranks of an in-process group.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	mu   sync.RWMutex
	data []byte

	metaMu sync.Mutex
	meta   meta
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

func cloneMeta(m meta) meta {
	return meta{
		Shape: append([]int(nil), m.Shape...),
		DType: m.DType,
		Chunk: append([]int(nil), m.Chunk...),
		Attrs: maps.Clone(m.Attrs),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, name string, spec Spec) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	spec = spec.normalized()
	m := meta{Shape: spec.Shape, DType: spec.DType, Chunk: spec.Chunk, Attrs: spec.Attrs}

	e := &memEntry{data: make([]byte, newLayout(m).dataSize()), meta: m}

	s.mu.Lock()
	s.entries[name] = e
	s.mu.Unlock()

	return newDataset(name, cloneMeta(m), &memBackend{e: e}, false), nil
}

func (s *MemoryStore) open(ctx context.Context, name string, readOnly bool) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("arraystore: open %s: %w", name, ErrNotFound)
	}

	e.metaMu.Lock()
	m := cloneMeta(e.meta)
	e.metaMu.Unlock()

	return newDataset(name, m, &memBackend{e: e}, readOnly), nil
}

// Open implements Store.
func (s *MemoryStore) Open(ctx context.Context, name string) (Dataset, error) {
	return s.open(ctx, name, false)
}

// OpenReadOnly implements Store.
func (s *MemoryStore) OpenReadOnly(ctx context.Context, name string) (Dataset, error) {
	return s.open(ctx, name, true)
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.entries[name]
	s.mu.RUnlock()
	return ok, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for name := range s.entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

type memBackend struct {
	e *memEntry
}

func (b *memBackend) readAt(p []byte, off int64) error {
	copy(p, b.e.data[off:])
	return nil
}

func (b *memBackend) writeAt(p []byte, off int64) error {
	copy(b.e.data[off:], p)
	return nil
}

func (b *memBackend) lock(_, _ int64, exclusive bool) (func(), error) {
	if exclusive {
		b.e.mu.Lock()
		return b.e.mu.Unlock, nil
	}
	b.e.mu.RLock()
	return b.e.mu.RUnlock, nil
}

func (b *memBackend) saveMeta(m meta) error {
	b.e.metaMu.Lock()
	b.e.meta = cloneMeta(m)
	b.e.metaMu.Unlock()
	return nil
}

func (b *memBackend) flush() error { return nil }
func (b *memBackend) close() error { return nil }
