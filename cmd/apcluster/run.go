package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/apcluster"
	"github.com/hupe1980/apcluster/archive"
	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/comm"
)

type runFlags struct {
	config      string
	store       string
	tier        int
	procs       int
	coordinator string
	rank        int
	size        int

	convIter    int
	maxIter     int
	damping     float64
	verbose     bool
	debug       bool
	memory      int64
	tileHeight  int
	forceSpill  bool
	scratch     string
	compression string
	archiveDir  string
	metricsAddr string
}

func (f *runFlags) register(fs *flag.FlagSet, worker bool) {
	fs.StringVar(&f.config, "config", "", "YAML configuration file")
	fs.StringVar(&f.store, "store", "", "array container directory")
	fs.IntVar(&f.tier, "tier", 1, "tier to cluster")
	fs.StringVar(&f.coordinator, "coordinator", "", "address of rank 0 in a gRPC group")
	fs.IntVar(&f.size, "size", 1, "number of ranks in a gRPC group")
	if worker {
		fs.IntVar(&f.rank, "rank", 1, "rank of this worker in the gRPC group")
	} else {
		fs.IntVar(&f.procs, "procs", 1, "number of in-process ranks")
	}

	fs.IntVar(&f.convIter, "conv-iter", 0, "iterations the exemplar set must stay unchanged")
	fs.IntVar(&f.maxIter, "max-iter", 0, "iteration cap")
	fs.Float64Var(&f.damping, "damping", 0, "damping factor in [0.5, 1)")
	fs.BoolVar(&f.verbose, "verbose", false, "log per-iteration progress")
	fs.BoolVar(&f.debug, "debug", false, "log phase timings")
	fs.Int64Var(&f.memory, "memory", 0, "bytes per rank for tiles (0 queries the host)")
	fs.IntVar(&f.tileHeight, "tile-height", 0, "rows per tile (0 derives it from -memory)")
	fs.BoolVar(&f.forceSpill, "force-spill", false, "keep R and A in spill files")
	fs.StringVar(&f.scratch, "scratch", "", "directory for spill files")
	fs.StringVar(&f.compression, "compression", "", "spill compression: none, lz4 or zstd")
	fs.StringVar(&f.archiveDir, "archive-dir", "", "archive finished tiers below this directory")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// apply overrides cfg with the flags set on the command line.
func (f *runFlags) apply(fs *flag.FlagSet, cfg *fileConfig) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "store":
			cfg.Store = f.store
		case "conv-iter":
			cfg.ConvIter = f.convIter
		case "max-iter":
			cfg.MaxIter = f.maxIter
		case "damping":
			cfg.Damping = f.damping
		case "verbose":
			cfg.Verbose = f.verbose
		case "debug":
			cfg.Debug = f.debug
		case "memory":
			cfg.MemoryPerProcess = f.memory
		case "tile-height":
			cfg.TileHeight = f.tileHeight
		case "force-spill":
			cfg.ForceSpill = f.forceSpill
		case "scratch":
			cfg.ScratchDir = f.scratch
		case "compression":
			cfg.SpillCompression = f.compression
		case "archive-dir":
			cfg.Archive = archiveConfig{Kind: "local", Dir: f.archiveDir}
		case "metrics-addr":
			cfg.MetricsAddr = f.metricsAddr
		}
	})
}

func runCmd(ctx context.Context, args []string, worker bool) error {
	name := "run"
	if worker {
		name = "worker"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var f runFlags
	f.register(fs, worker)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(f.config)
	if err != nil {
		return err
	}
	f.apply(fs, &cfg)
	if cfg.Store == "" {
		return fmt.Errorf("%s: -store is required", name)
	}
	if worker && f.coordinator == "" {
		return fmt.Errorf("worker: -coordinator is required")
	}

	logger := newLogger(cfg)
	mc := newPrometheusCollector(prometheus.NewRegistry())
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, mc.registry, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	opts := []apcluster.Option{
		apcluster.WithConfig(cfg.Config),
		apcluster.WithLogger(logger),
		apcluster.WithMetricsCollector(mc),
	}
	if !worker {
		pub, err := openArchive(ctx, cfg.Archive, logger)
		if err != nil {
			return err
		}
		if pub != nil {
			opts = append(opts, apcluster.WithArchive(pub))
		}
	}

	if f.coordinator != "" {
		rank := 0
		if worker {
			rank = f.rank
		}
		store, err := openStore(cfg.Store, f.size)
		if err != nil {
			return err
		}
		t, err := comm.DialGRPC(ctx, comm.GRPCOptions{Addr: f.coordinator, Rank: rank, Size: f.size})
		if err != nil {
			return err
		}
		g := comm.NewGroup(t)
		defer g.Close()
		if err := clusterRank(ctx, store, g, f.tier, opts); err != nil {
			g.Abort(err)
			return err
		}
		return nil
	}

	store, err := openStore(cfg.Store, f.procs)
	if err != nil {
		return err
	}
	return comm.RunLocal(ctx, f.procs, func(ctx context.Context, g *comm.Group) error {
		return clusterRank(ctx, store, g, f.tier, opts)
	})
}

// clusterRank runs tier on one rank and prints the outcome on rank 0.
func clusterRank(ctx context.Context, store arraystore.Store, g *comm.Group, tier int, opts []apcluster.Option) error {
	c, err := apcluster.New(store, g, opts...)
	if err != nil {
		return err
	}
	res, err := c.Run(ctx, tier)
	if err != nil {
		return err
	}
	if g.IsRoot() {
		fmt.Printf("tier %d: n=%d k=%d state=%s iterations=%d duration=%s\n",
			res.Tier, res.Layout.N, res.K, res.State, res.Iterations, res.Duration.Round(time.Millisecond))
	}
	return nil
}

func openStore(dir string, ranks int) (arraystore.Store, error) {
	mode := arraystore.SingleWriter
	if ranks > 1 {
		mode = arraystore.Collective
	}
	return arraystore.NewLocalStore(dir,
		arraystore.WithWriteMode(mode),
		arraystore.WithMmap(true),
	)
}

func newLogger(cfg fileConfig) *apcluster.Logger {
	level := slog.LevelWarn
	switch {
	case cfg.Debug:
		level = slog.LevelDebug
	case cfg.Verbose:
		level = slog.LevelInfo
	}
	if cfg.LogFormat == "json" {
		return apcluster.NewJSONLogger(level)
	}
	return apcluster.NewTextLogger(level)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *apcluster.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func openArchive(ctx context.Context, cfg archiveConfig, logger *apcluster.Logger) (*archive.Publisher, error) {
	store, err := openBlobStore(ctx, cfg)
	if err != nil || store == nil {
		return nil, err
	}
	return archive.NewPublisher(store, archive.WithLogger(logger.Logger)), nil
}
