// Package resource enforces the per-process budget used while clustering.
//
// Two resources are governed:
//
//   - Memory: tile buffers (S, R, A, Rp and exchange scratch) are reserved
//     against the budget the partitioner planned with. Reservation is
//     non-blocking and fails fast with ErrMemoryLimitExceeded, so an
//     undersized plan surfaces as an error instead of swapping.
//   - Spill IO: a token bucket paces reads and writes of per-rank spill
//     files so that a rank sharing a disk with its peers cannot starve them.
//
// Usage:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:   2 << 30,
//	    IOLimitBytesPerSec: 200 << 20,
//	})
//
//	res, err := rc.Reserve("R tiles", int64(rows*cols*4))
//	if err != nil { ... }
//	defer res.Release()
//
// All methods are safe for concurrent use, and a nil *Controller turns every
// call into a no-op.
package resource
