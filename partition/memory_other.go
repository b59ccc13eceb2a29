//go:build !linux

package partition

// HostMemory returns DefaultMemory; probing is only implemented on Linux.
func HostMemory() int64 { return DefaultMemory }
