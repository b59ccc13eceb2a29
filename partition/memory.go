package partition

// DefaultMemory is assumed when the host cannot be queried.
const DefaultMemory int64 = 1 << 30

// MemoryPerProcess splits the host's available memory evenly across the
// ranks sharing it.
func MemoryPerProcess(nprocs int) int64 {
	return HostMemory() / int64(max(1, nprocs))
}
