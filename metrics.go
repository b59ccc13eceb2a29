package apcluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/apcluster/engine"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus; cmd/apcluster ships such an implementation.
//
// The engine events arrive through the embedded engine.MetricsObserver. A
// collector shared by the ranks of one process must be safe for concurrent
// use.
type MetricsCollector interface {
	engine.MetricsObserver

	// RecordRun is called by every rank when Run returns.
	// k is the number of clusters, err is nil if successful.
	RecordRun(tier, k int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct {
	engine.NoopMetricsObserver
}

func (NoopMetricsCollector) RecordRun(int, int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	RunCount          atomic.Int64
	RunErrors         atomic.Int64
	RunTotalNanos     atomic.Int64
	IterationCount    atomic.Int64
	IterationNanos    atomic.Int64
	ConvergedRuns     atomic.Int64
	ExhaustedRuns     atomic.Int64
	LastK             atomic.Int64
	LastUnstable      atomic.Int64
	SpillBytesWritten atomic.Int64
	SpillBytesRead    atomic.Int64

	mu     sync.Mutex
	phases map[string]time.Duration
}

// OnIteration implements engine.MetricsObserver.
func (b *BasicMetricsCollector) OnIteration(_, k, unstable int, d time.Duration) {
	b.IterationCount.Add(1)
	b.IterationNanos.Add(d.Nanoseconds())
	b.LastK.Store(int64(k))
	b.LastUnstable.Store(int64(unstable))
}

// OnPhase implements engine.MetricsObserver.
func (b *BasicMetricsCollector) OnPhase(phase string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phases == nil {
		b.phases = make(map[string]time.Duration)
	}
	b.phases[phase] += d
}

// OnSpill implements engine.MetricsObserver.
func (b *BasicMetricsCollector) OnSpill(op string, bytes int64) {
	switch op {
	case "write":
		b.SpillBytesWritten.Add(bytes)
	case "read":
		b.SpillBytesRead.Add(bytes)
	}
}

// OnRun implements engine.MetricsObserver.
func (b *BasicMetricsCollector) OnRun(state engine.State, _, _ int, _ time.Duration) {
	switch state {
	case engine.StateConverged:
		b.ConvergedRuns.Add(1)
	case engine.StateExhausted:
		b.ExhaustedRuns.Add(1)
	}
}

// RecordRun implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRun(_, k int, duration time.Duration, err error) {
	b.RunCount.Add(1)
	b.RunTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RunErrors.Add(1)
		return
	}
	b.LastK.Store(int64(k))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	b.mu.Lock()
	phases := make(map[string]time.Duration, len(b.phases))
	for k, v := range b.phases {
		phases[k] = v
	}
	b.mu.Unlock()

	return BasicMetricsStats{
		RunCount:          b.RunCount.Load(),
		RunErrors:         b.RunErrors.Load(),
		RunAvgNanos:       avg(b.RunTotalNanos.Load(), b.RunCount.Load()),
		IterationCount:    b.IterationCount.Load(),
		IterationAvgNanos: avg(b.IterationNanos.Load(), b.IterationCount.Load()),
		ConvergedRuns:     b.ConvergedRuns.Load(),
		ExhaustedRuns:     b.ExhaustedRuns.Load(),
		LastK:             b.LastK.Load(),
		LastUnstable:      b.LastUnstable.Load(),
		SpillBytesWritten: b.SpillBytesWritten.Load(),
		SpillBytesRead:    b.SpillBytesRead.Load(),
		Phases:            phases,
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	RunCount          int64
	RunErrors         int64
	RunAvgNanos       int64
	IterationCount    int64
	IterationAvgNanos int64
	ConvergedRuns     int64
	ExhaustedRuns     int64
	LastK             int64
	LastUnstable      int64
	SpillBytesWritten int64
	SpillBytesRead    int64
	// Phases holds the accumulated time per phase name.
	Phases map[string]time.Duration
}
