package arraystore

import "fmt"

// WriteMode selects how writers of one dataset file coordinate.
type WriteMode int

const (
	// SingleWriter assumes one process owns every dataset it writes. Only
	// goroutines sharing a handle are serialized.
	SingleWriter WriteMode = iota
	// Collective lets the ranks of a process group write disjoint regions
	// of the same dataset. Every chunk span is guarded by a byte-range lock
	// and Flush syncs the file so peers observe completed writes.
	Collective
)

func (m WriteMode) String() string {
	switch m {
	case SingleWriter:
		return "single-writer"
	case Collective:
		return "collective"
	default:
		return fmt.Sprintf("writemode(%d)", int(m))
	}
}
