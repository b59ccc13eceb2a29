// Package spill stores per-rank matrix tiles on local disk when the
// responsibility and availability blocks do not fit in memory.
//
// Each tile is a single framed file, optionally LZ4 or ZSTD compressed.
// Tiles that do not shrink under compression are stored raw so the frame
// never costs more than its header. Damped responsibilities converge to a
// handful of repeated values per row, which is where compression pays off
// in later iterations.
package spill
