package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/comm"
	"github.com/hupe1980/apcluster/internal/resource"
	"github.com/hupe1980/apcluster/internal/spill"
	"github.com/hupe1980/apcluster/partition"
)

// ClusteringContext carries the handles of one clustering run through the
// engine and the resolver. The driver creates it, owns every handle in it
// and releases them when the run ends.
type ClusteringContext struct {
	Group  *comm.Group
	Layout partition.Layout
	Tier   int

	// Store is the container holding the similarity matrix, the shared
	// scratch datasets and the outputs.
	Store arraystore.Store
	// Similarity is the read-only input matrix.
	Similarity arraystore.Dataset
	// Preference replaces the diagonal of Similarity.
	Preference float32

	// ScratchDir hosts per-rank spill directories.
	ScratchDir  string
	Compression spill.Compression
	Resources   *resource.Controller

	Logger  *slog.Logger
	Metrics MetricsObserver
}

// Rank is shorthand for Group.Rank.
func (cc *ClusteringContext) Rank() int { return cc.Group.Rank() }

// SpillDir returns this rank's private spill directory.
func (cc *ClusteringContext) SpillDir() string {
	return filepath.Join(cc.ScratchDir, fmt.Sprintf("tier%d-rank%d", cc.Tier, cc.Rank()))
}

// ScratchName returns the container name of a shared scratch dataset.
func (cc *ClusteringContext) ScratchName(matrix string) string {
	return fmt.Sprintf("tier%d/scratch/%s", cc.Tier, matrix)
}

// Log returns the run's logger, discarding output when none is set.
func (cc *ClusteringContext) Log() *slog.Logger {
	if cc.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cc.Logger
}

// Observer returns the run's metrics observer or a no-op one.
func (cc *ClusteringContext) Observer() MetricsObserver {
	if cc.Metrics == nil {
		return NoopMetricsObserver{}
	}
	return cc.Metrics
}
