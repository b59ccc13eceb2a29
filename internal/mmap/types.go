package mmap

import "errors"

// AccessPattern tells the kernel how a rank is about to walk a mapped
// dataset.
type AccessPattern int

const (
	// AccessDefault leaves read-ahead to the kernel.
	AccessDefault AccessPattern = iota
	// AccessSequential suits row-block scans of a similarity matrix.
	AccessSequential
	// AccessRandom suits column-block reads that stride across chunks.
	AccessRandom
	// AccessWillNeed prefetches a block that is read again every iteration.
	AccessWillNeed
	// AccessDontNeed drops pages of a block the rank is done with.
	AccessDontNeed
)

// Errors returned by Mapping and Region.
var (
	ErrClosed        = errors.New("mmap: mapping is closed")
	ErrInvalidSize   = errors.New("mmap: invalid file size")
	ErrOutOfBounds   = errors.New("mmap: out of bounds")
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)
