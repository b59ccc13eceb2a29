// Package mmap provides read-only memory-mapped access to dataset files.
//
// Similarity matrices are read once per iteration in row blocks and never
// written by the clustering run, so mapping them lets the page cache serve
// repeated tile reads without an extra copy through kernel buffers.
//
//	m, err := mmap.Open("tier1/cluster.apds")
//	if err != nil { ... }
//	defer m.Close()
//
//	payload, _ := m.Region(headerSize, m.Size()-headerSize)
//	payload.Advise(mmap.AccessSequential)
//	payload.ReadAt(buf, off)
//
// Unix uses mmap(2)/madvise(2); Windows uses MapViewOfFile and treats
// Advise as a no-op.
//
// Mapping and Region are safe for concurrent reads. Close is idempotent;
// callers must not use slices obtained from Bytes after Close returns.
package mmap
