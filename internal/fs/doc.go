// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with positional read/write, sync and truncate
//   - [FileSystem]: filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using standard os package
//   - [FaultyFS]: Test utility for fault injection (full disk, failed reads)
//
// # Usage
//
// Production code should use fs.Default (which is [LocalFS]):
//
//	file, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
//
// Tests can inject [FaultyFS] to simulate failures while spilling tiles:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.SetLimit(1024) // Fail after 1KB written
//
// Filesystem operations carry no context.Context. They are short,
// non-interruptible syscalls; cancellation is checked by callers between tiles.
package fs
