package engine

import "time"

// MetricsObserver receives engine events. Implementations must be safe for
// concurrent use when ranks of one process share an observer.
type MetricsObserver interface {
	// OnIteration is called on every rank after the convergence phase.
	// unstable counts points whose indicator flipped inside the window.
	OnIteration(iteration, k, unstable int, d time.Duration)

	// OnPhase reports the duration of one phase of an iteration
	// ("responsibility", "availability", "convergence") or of the run
	// ("setup", "resolve", "output").
	OnPhase(phase string, d time.Duration)

	// OnSpill reports bytes moved through per-rank spill files.
	// op is "read" or "write".
	OnSpill(op string, bytes int64)

	// OnRun is called once the engine reaches a terminal state.
	OnRun(state State, iterations, k int, d time.Duration)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnIteration(iteration, k, unstable int, d time.Duration) {}
func (NoopMetricsObserver) OnPhase(phase string, d time.Duration)                   {}
func (NoopMetricsObserver) OnSpill(op string, bytes int64)                          {}
func (NoopMetricsObserver) OnRun(state State, iterations, k int, d time.Duration)   {}
