// Package arraystore is a container of named, chunked one- and
// two-dimensional arrays: the similarity matrix a tier is clustered from,
// the scratch matrices ranks exchange every iteration, and the label and
// exemplar vectors a run produces.
//
// Datasets are read and written by Hyperslab. Rows are split into fixed-size
// chunks, and a rectangular selection touches only the chunks it
// intersects, so a rank can stream a row block or a column block without
// loading the whole matrix.
//
// Two implementations are provided:
//
//   - LocalStore keeps one file per dataset under a directory. Read-only
//     opens are served from a memory mapping. With the Collective write
//     mode, ranks in separate processes may write disjoint regions of the
//     same dataset concurrently.
//   - MemoryStore keeps datasets in process memory, for tests and
//     single-process runs.
package arraystore
