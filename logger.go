package apcluster

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/apcluster/engine"
	"github.com/hupe1980/apcluster/partition"
)

// Logger wraps slog.Logger with clustering-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return newTextLogger(os.Stderr, level)
}

func newTextLogger(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithRank adds the rank of this process.
func (l *Logger) WithRank(rank int) *Logger {
	return &Logger{
		Logger: l.Logger.With("rank", rank),
	}
}

// WithTier adds the clustering tier.
func (l *Logger) WithTier(tier int) *Logger {
	return &Logger{
		Logger: l.Logger.With("tier", tier),
	}
}

// LogSetup logs the agreed partitioning.
func (l *Logger) LogSetup(ctx context.Context, layout partition.Layout) {
	l.InfoContext(ctx, "partition planned",
		"n", layout.N,
		"nprocs", layout.NProcs,
		"block", layout.L,
		"tile", layout.LL,
		"spill", layout.Spill,
	)
}

// LogTruncation warns about rows dropped to make N divisible.
func (l *Logger) LogTruncation(ctx context.Context, layout partition.Layout) {
	if layout.Truncated() == 0 {
		return
	}
	l.WarnContext(ctx, "trailing rows excluded from clustering",
		"n_raw", layout.NRaw,
		"n", layout.N,
		"truncated", layout.Truncated(),
	)
}

// LogConvergence logs how the iteration ended.
func (l *Logger) LogConvergence(ctx context.Context, state engine.State, iterations, k int) {
	if state == engine.StateExhausted {
		l.WarnContext(ctx, "iteration budget exhausted without convergence",
			"state", state.String(),
			"iteration", iterations,
			"k", k,
		)
		return
	}
	l.InfoContext(ctx, "clustering converged",
		"state", state.String(),
		"iteration", iterations,
		"k", k,
	)
}

// LogResolve logs the final clustering.
func (l *Logger) LogResolve(ctx context.Context, k int, d time.Duration) {
	if k == 0 {
		l.WarnContext(ctx, "no clusters found")
		return
	}
	l.InfoContext(ctx, "exemplars resolved",
		"k", k,
		"duration", d,
	)
}

// LogCleanup logs the removal of temporary data.
func (l *Logger) LogCleanup(ctx context.Context, what string, err error) {
	if err != nil {
		l.WarnContext(ctx, "cleanup failed",
			"what", what,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "cleanup completed",
		"what", what,
	)
}
