package arraystore

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNotFound is returned when a dataset does not exist.
	// It satisfies errors.Is(err, os.ErrNotExist).
	ErrNotFound = os.ErrNotExist

	// ErrReadOnly is returned when writing through a read-only handle.
	ErrReadOnly = errors.New("arraystore: dataset is read-only")

	// ErrDTypeMismatch is returned when a dataset is accessed with the wrong
	// element type.
	ErrDTypeMismatch = errors.New("arraystore: dtype mismatch")

	// ErrOutOfBounds is returned for hyperslabs outside the dataset shape.
	ErrOutOfBounds = errors.New("arraystore: hyperslab out of bounds")
)

// Store is a container of named, chunked one- or two-dimensional arrays.
//
// Names are slash separated ("tier1/cluster"). Implementations must be safe
// for concurrent use by the ranks of one process group.
type Store interface {
	// Create creates (or truncates) a zero-filled dataset.
	Create(ctx context.Context, name string, spec Spec) (Dataset, error)
	// Open opens an existing dataset for reading and writing.
	Open(ctx context.Context, name string) (Dataset, error)
	// OpenReadOnly opens an existing dataset for reading.
	OpenReadOnly(ctx context.Context, name string) (Dataset, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	// List returns the sorted names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Dataset is a handle to one array in a Store.
//
// Attributes are read when the handle is opened; SetAttr updates both the
// handle and the stored header.
type Dataset interface {
	Name() string
	Shape() []int
	Rows() int
	Cols() int
	DType() DType
	Chunk() []int

	Attr(name string) (float64, bool)
	Attrs() map[string]float64
	SetAttr(ctx context.Context, name string, v float64) error

	ReadFloat32(ctx context.Context, sel Hyperslab, dst []float32) error
	WriteFloat32(ctx context.Context, sel Hyperslab, src []float32) error
	ReadInt32(ctx context.Context, sel Hyperslab, dst []int32) error
	WriteInt32(ctx context.Context, sel Hyperslab, src []int32) error

	// Flush makes completed writes durable and visible to other processes
	// according to the store's write mode.
	Flush(ctx context.Context) error
	Close() error
}

// Spec describes a dataset to create.
type Spec struct {
	// Shape is [n] or [rows, cols].
	Shape []int
	DType DType
	// Chunk is the chunk shape, same rank as Shape. Zero picks a default of
	// whole rows up to about 1 MiB per chunk.
	Chunk []int
	Attrs map[string]float64
}

const defaultChunkBytes = 1 << 20

func (s Spec) validate() error {
	if len(s.Shape) != 1 && len(s.Shape) != 2 {
		return fmt.Errorf("arraystore: shape must have rank 1 or 2, got %v", s.Shape)
	}
	for _, d := range s.Shape {
		if d < 0 {
			return fmt.Errorf("arraystore: negative extent in shape %v", s.Shape)
		}
	}
	if s.DType.Size() == 0 {
		return fmt.Errorf("arraystore: invalid dtype %d", uint8(s.DType))
	}
	if len(s.Chunk) != 0 {
		if len(s.Chunk) != len(s.Shape) {
			return fmt.Errorf("arraystore: chunk %v does not match shape %v", s.Chunk, s.Shape)
		}
		for _, c := range s.Chunk {
			if c <= 0 {
				return fmt.Errorf("arraystore: chunk extents must be positive, got %v", s.Chunk)
			}
		}
	}
	return nil
}

// normalized returns a copy of the spec with a defaulted chunk shape.
func (s Spec) normalized() Spec {
	out := Spec{
		Shape: append([]int(nil), s.Shape...),
		DType: s.DType,
		Chunk: append([]int(nil), s.Chunk...),
		Attrs: make(map[string]float64, len(s.Attrs)),
	}
	for k, v := range s.Attrs {
		out.Attrs[k] = v
	}
	if len(out.Chunk) != 0 {
		return out
	}

	rows, cols := extents(out.Shape)
	if len(out.Shape) == 1 {
		out.Chunk = []int{max(1, min(rows, defaultChunkBytes/out.DType.Size()))}
		return out
	}
	rowBytes := max(1, cols*out.DType.Size())
	out.Chunk = []int{max(1, min(rows, defaultChunkBytes/rowBytes)), max(1, cols)}
	return out
}

func extents(shape []int) (rows, cols int) {
	if len(shape) == 1 {
		return shape[0], 1
	}
	return shape[0], shape[1]
}
