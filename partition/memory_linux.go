//go:build linux

package partition

import "golang.org/x/sys/unix"

// HostMemory returns free plus buffer memory as reported by sysinfo(2).
func HostMemory() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return DefaultMemory
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * uint64(info.Unit)
	if free == 0 || free > 1<<62 {
		return DefaultMemory
	}
	return int64(free)
}
