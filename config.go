package apcluster

import (
	"os"
	"path/filepath"

	"github.com/hupe1980/apcluster/engine"
	"github.com/hupe1980/apcluster/internal/spill"
)

// Config holds the settings of a clustering run. The CLI reads it from
// YAML; library users usually set it through Options.
type Config struct {
	// ConvIter is the number of consecutive iterations the exemplar set
	// must stay unchanged. 0 < ConvIter < MaxIter.
	ConvIter int `yaml:"conv_iter"`
	// MaxIter caps the number of iterations.
	MaxIter int `yaml:"max_iter"`
	// Damping weighs the previous value of every message, in [0.5, 1).
	Damping float64 `yaml:"damping"`

	// Verbose logs per-iteration progress on rank 0.
	Verbose bool `yaml:"verbose"`
	// Debug also logs phase timings and cleanup.
	Debug bool `yaml:"debug"`

	// MemoryPerProcess is the budget a rank plans its tiles with.
	// If 0, free host memory is split across the group.
	MemoryPerProcess int64 `yaml:"memory_per_process"`
	// TileHeight overrides the memory-derived tile height.
	TileHeight int `yaml:"tile_height"`
	// ForceSpill keeps R and A in spill files even when they fit.
	ForceSpill bool `yaml:"force_spill"`

	// ScratchDir hosts per-rank spill directories.
	// If empty, a directory below os.TempDir is used.
	ScratchDir string `yaml:"scratch_dir"`
	// SpillCompression is "none", "lz4" or "zstd".
	SpillCompression string `yaml:"spill_compression"`
	// SpillIOLimit caps spill throughput per rank in bytes per second.
	SpillIOLimit int64 `yaml:"spill_io_limit"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		ConvIter:         engine.DefaultConvIter,
		MaxIter:          engine.DefaultMaxIter,
		Damping:          engine.DefaultDamping,
		ScratchDir:       filepath.Join(os.TempDir(), "apcluster"),
		SpillCompression: "none",
	}
}

// Validate checks c for clustering tier. It returns a *ConfigError.
func (c Config) Validate(tier int) error {
	switch {
	case tier < 1:
		return configError("tier", tier, "must be at least 1")
	case c.MaxIter <= 0:
		return configError("max_iter", c.MaxIter, "must be positive")
	case c.ConvIter <= 0 || c.ConvIter >= c.MaxIter:
		return configError("conv_iter", c.ConvIter, "must be strictly between 0 and max_iter")
	case !(c.Damping >= 0.5 && c.Damping < 1):
		return configError("damping", c.Damping, "must be in [0.5, 1.0)")
	case c.MemoryPerProcess < 0:
		return configError("memory_per_process", c.MemoryPerProcess, "must not be negative")
	case c.TileHeight < 0:
		return configError("tile_height", c.TileHeight, "must not be negative")
	case c.SpillIOLimit < 0:
		return configError("spill_io_limit", c.SpillIOLimit, "must not be negative")
	}
	if _, err := spill.ParseCompression(c.SpillCompression); err != nil {
		return configError("spill_compression", c.SpillCompression, "must be none, lz4 or zstd")
	}
	return nil
}

func (c Config) compression() spill.Compression {
	comp, _ := spill.ParseCompression(c.SpillCompression)
	return comp
}
