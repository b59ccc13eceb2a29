package apcluster

import (
	"log/slog"

	"github.com/hupe1980/apcluster/archive"
)

type options struct {
	config           Config
	logger           *Logger
	metricsCollector MetricsCollector
	archive          *archive.Publisher
}

// Option configures a Clusterer.
//
// Options only record values; they are validated on rank 0 when Run
// starts, so every rank reports the same configuration error.
type Option func(*options)

// WithConfig replaces all settings at once, e.g. with a Config read from
// YAML. Later options still override single fields.
func WithConfig(c Config) Option {
	return func(o *options) {
		o.config = c
	}
}

// WithConvergenceIterations sets the convergence window (conv_iter).
func WithConvergenceIterations(n int) Option {
	return func(o *options) {
		o.config.ConvIter = n
	}
}

// WithMaxIterations sets the iteration cap (max_iter).
func WithMaxIterations(n int) Option {
	return func(o *options) {
		o.config.MaxIter = n
	}
}

// WithDamping sets the damping factor, in [0.5, 1).
func WithDamping(d float64) Option {
	return func(o *options) {
		o.config.Damping = d
	}
}

// WithVerbose enables per-iteration progress logging.
func WithVerbose(v bool) Option {
	return func(o *options) {
		o.config.Verbose = v
	}
}

// WithDebug enables debug logging with phase timings.
func WithDebug(v bool) Option {
	return func(o *options) {
		o.config.Debug = v
	}
}

// WithLogger sets a custom logger. It takes precedence over the level
// implied by WithVerbose and WithDebug.
//
// If nil is passed, logging is disabled.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector sets a custom metrics collector.
//
// If nil is passed, metrics collection is disabled.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithMemoryPerProcess sets the memory a rank may plan its tiles with.
func WithMemoryPerProcess(bytes int64) Option {
	return func(o *options) {
		o.config.MemoryPerProcess = bytes
	}
}

// WithScratchDir sets the directory for per-rank spill files.
func WithScratchDir(dir string) Option {
	return func(o *options) {
		o.config.ScratchDir = dir
	}
}

// WithTileHeight overrides the memory-derived tile height.
func WithTileHeight(rows int) Option {
	return func(o *options) {
		o.config.TileHeight = rows
	}
}

// WithForceSpill keeps R and A on disk even when they fit in memory.
func WithForceSpill(v bool) Option {
	return func(o *options) {
		o.config.ForceSpill = v
	}
}

// WithSpillCompression selects "none", "lz4" or "zstd" for spill files.
func WithSpillCompression(name string) Option {
	return func(o *options) {
		o.config.SpillCompression = name
	}
}

// WithSpillIOLimit caps spill throughput per rank in bytes per second.
func WithSpillIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.config.SpillIOLimit = bytesPerSec
	}
}

// WithArchive publishes every tier through p once its outputs are written.
func WithArchive(p *archive.Publisher) Option {
	return func(o *options) {
		o.archive = p
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		config: DefaultConfig(),
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		level := slog.LevelWarn
		switch {
		case o.config.Debug:
			level = slog.LevelDebug
		case o.config.Verbose:
			level = slog.LevelInfo
		}
		o.logger = NewTextLogger(level)
	}
	return o
}
