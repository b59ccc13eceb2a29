package engine

import "fmt"

// State is the lifecycle state of an Engine.
type State int

const (
	StateInitializing State = iota
	StateIterating
	// StateConverged means the exemplar set was stable for a whole window.
	StateConverged
	// StateExhausted means the iteration budget ran out first. The last
	// indicator vector is still used for resolution.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Done reports whether s is terminal.
func (s State) Done() bool { return s == StateConverged || s == StateExhausted }
