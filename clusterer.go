package apcluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/apcluster/archive"
	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/comm"
	"github.com/hupe1980/apcluster/engine"
	"github.com/hupe1980/apcluster/internal/resource"
	"github.com/hupe1980/apcluster/partition"
	"github.com/hupe1980/apcluster/resolve"
)

// SimilarityName returns the input dataset of tier.
func SimilarityName(tier int) string { return fmt.Sprintf("tier%d/cluster", tier) }

// LabelsName returns the label dataset written for tier.
func LabelsName(tier int) string { return fmt.Sprintf("tier%d/labels", tier) }

// CentersName returns the exemplar dataset written for tier.
func CentersName(tier int) string { return fmt.Sprintf("tier%d/centers", tier) }

// MergedName returns the dataset of tier labels projected onto the points
// of tier 1. It exists for tiers above 1.
func MergedName(tier int) string { return fmt.Sprintf("tier%d/labels-merged", tier) }

// parentLabelsName returns the labels of the points of tier-1 in terms of
// the points of tier, i.e. indices into this tier's rows.
func parentLabelsName(tier int) string {
	if tier == 2 {
		return LabelsName(1)
	}
	return MergedName(tier - 1)
}

// Result is the outcome of one tier. Every rank returns an equal Result.
type Result struct {
	Tier       int
	Layout     partition.Layout
	State      engine.State
	Iterations int
	// K is the number of clusters.
	K int
	// Exemplars holds the sorted exemplar indices; point Exemplars[k]
	// carries label k.
	Exemplars []int32
	// Labels holds the label of each of the N clustered points.
	Labels []int32
	// Merged holds, for tier > 1, the label of every point of tier 1, or -1
	// for points whose parent exemplar fell into the truncated tail.
	Merged   []int32
	Duration time.Duration
}

// Converged reports whether the exemplar set settled before max_iter.
func (r *Result) Converged() bool { return r.State == engine.StateConverged }

// Err returns ErrNoClusters when no point became an exemplar.
func (r *Result) Err() error {
	if r.K == 0 {
		return ErrNoClusters
	}
	return nil
}

// Clusterer runs affinity propagation tiers on the ranks of a process
// group. Every rank constructs its own Clusterer with the same options and
// calls Run with the same tier.
type Clusterer struct {
	store arraystore.Store
	group *comm.Group
	opts  options
}

// New creates a Clusterer over the container store. The group is owned by
// the caller and is neither created nor closed here.
func New(store arraystore.Store, group *comm.Group, optFns ...Option) (*Clusterer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if group == nil {
		return nil, fmt.Errorf("%w: nil process group", ErrInvalidConfig)
	}
	return &Clusterer{store: store, group: group, opts: applyOptions(optFns)}, nil
}

// Config returns the settings the Clusterer was created with.
func (c *Clusterer) Config() Config { return c.opts.config }

// setup is the coordinator's decision on how to run a tier.
type setup struct {
	Layout     partition.Layout `json:"layout"`
	Preference float32          `json:"preference"`
	// MemoryLimit is the per-rank budget for tile buffers, 0 if untracked.
	MemoryLimit int64            `json:"memory_limit"`
	Config      *configErrorWire `json:"config,omitempty"`
}

// Run clusters tier. It reads tier<t>/cluster and writes tier<t>/labels,
// tier<t>/centers and, above tier 1, tier<t>/labels-merged. Run is
// collective.
//
// Configuration errors are returned as *ConfigError on every rank before
// any iteration starts. Running out of iterations is not an error; see
// Result.State. Spill directories and scratch datasets are removed on
// return, whether or not the run succeeded.
func (c *Clusterer) Run(ctx context.Context, tier int) (res *Result, err error) {
	start := time.Now()
	g := c.group
	root := g.IsRoot()
	cfg := c.opts.config
	mc := c.opts.metricsCollector
	log := c.opts.logger.WithRank(g.Rank()).WithTier(tier)

	defer func() {
		k := 0
		if res != nil {
			k = res.K
		}
		mc.RecordRun(tier, k, time.Since(start), err)
	}()

	t0 := time.Now()
	st, err := comm.Decide(ctx, g, func() (setup, error) { return c.plan(ctx, tier) })
	if err != nil {
		return nil, fmt.Errorf("apcluster: setup: %w", err)
	}
	if st.Config != nil {
		return nil, st.Config.err()
	}
	mc.OnPhase("setup", time.Since(t0))
	if root {
		log.LogSetup(ctx, st.Layout)
		log.LogTruncation(ctx, st.Layout)
	}

	name := SimilarityName(tier)
	sim, openErr := c.store.OpenReadOnly(ctx, name)
	if err := comm.Agree(ctx, g, storeError("open", name, openErr)); err != nil {
		if openErr == nil {
			_ = sim.Close()
		}
		return nil, err
	}
	defer sim.Close()

	cc := &engine.ClusteringContext{
		Group:       g,
		Layout:      st.Layout,
		Tier:        tier,
		Store:       c.store,
		Similarity:  sim,
		Preference:  st.Preference,
		ScratchDir:  cfg.ScratchDir,
		Compression: cfg.compression(),
		Resources: resource.NewController(resource.Config{
			MemoryLimitBytes:   st.MemoryLimit,
			IOLimitBytesPerSec: cfg.SpillIOLimit,
		}),
		Logger:  log.Logger,
		Metrics: mc,
	}
	defer func() { c.cleanup(ctx, cc, log, err == nil) }()

	out, err := c.iterate(ctx, cc, log)
	if err != nil {
		return nil, err
	}

	t0 = time.Now()
	resolved, err := c.resolve(ctx, cc, out)
	if err != nil {
		return nil, err
	}
	mc.OnPhase("resolve", time.Since(t0))
	if root {
		log.LogResolve(ctx, resolved.K(), time.Since(t0))
	}

	res = &Result{
		Tier:       tier,
		Layout:     st.Layout,
		State:      out.State,
		Iterations: out.Iterations,
		K:          resolved.K(),
		Exemplars:  resolved.Exemplars,
		Labels:     resolved.Labels,
	}

	t0 = time.Now()
	if tier > 1 {
		merged, mergeErr := c.merge(ctx, tier, res)
		if err := comm.Agree(ctx, g, mergeErr); err != nil {
			return nil, err
		}
		res.Merged = merged
	}
	if _, err := comm.Decide(ctx, g, func() (struct{}, error) {
		return struct{}{}, c.publish(ctx, res)
	}); err != nil {
		return nil, fmt.Errorf("apcluster: write outputs: %w", err)
	}
	mc.OnPhase("output", time.Since(t0))

	res.Duration = time.Since(start)
	return res, nil
}

// plan runs on rank 0: it validates the configuration and the input and
// partitions the matrix. Problems the caller can fix are reported through
// setup.Config, I/O failures as errors.
func (c *Clusterer) plan(ctx context.Context, tier int) (setup, error) {
	fail := func(err error) (setup, error) {
		var ce *ConfigError
		if errors.As(err, &ce) {
			return setup{Config: ce.wire()}, nil
		}
		return setup{}, err
	}

	cfg := c.opts.config
	if err := cfg.Validate(tier); err != nil {
		return fail(err)
	}

	name := SimilarityName(tier)
	ds, err := c.store.OpenReadOnly(ctx, name)
	if err != nil {
		return fail(storeError("open", name, err))
	}
	defer ds.Close()

	shape := ds.Shape()
	if len(shape) != 2 || shape[0] != shape[1] {
		ce := configError("similarity", fmt.Sprint(shape), "must be an N×N matrix")
		ce.kind = ErrNotSquare
		return fail(ce)
	}
	n := shape[0]
	if n < 2 {
		return fail(configError("similarity", n, "needs at least two points"))
	}
	pref, ok := ds.Attr("preference")
	if !ok {
		ce := configError("preference", "", "attribute missing on "+name)
		ce.kind = ErrMissingPreference
		return fail(ce)
	}
	if math.IsNaN(pref) || math.IsInf(pref, 0) {
		return fail(configError("preference", pref, "must be finite"))
	}

	if tier > 1 {
		parent := parentLabelsName(tier)
		exists, err := c.store.Exists(ctx, parent)
		if err != nil {
			return fail(storeError("stat", parent, err))
		}
		if !exists {
			return fail(storeError("open", parent, arraystore.ErrNotFound))
		}
	}

	mem := cfg.MemoryPerProcess
	if mem == 0 {
		mem = partition.MemoryPerProcess(c.group.Size())
	}
	layout, err := partition.Plan(n, c.group.Size(), mem, partition.PlanOptions{
		TileHeight: cfg.TileHeight,
		ForceSpill: cfg.ForceSpill,
	})
	switch {
	case errors.Is(err, partition.ErrEmptyMatrix):
		return fail(configError("similarity", n, fmt.Sprintf("no rows left for %d ranks", c.group.Size())))
	case errors.Is(err, partition.ErrInsufficientMemory):
		return fail(configError("memory_per_process", mem, "cannot hold a single row tile"))
	case err != nil:
		return fail(err)
	}

	s := setup{Layout: layout, Preference: float32(pref)}
	if cfg.TileHeight == 0 {
		s.MemoryLimit = mem
	}
	return s, nil
}

func (c *Clusterer) iterate(ctx context.Context, cc *engine.ClusteringContext, log *Logger) (*engine.Result, error) {
	cfg := c.opts.config
	eng, err := engine.New(ctx, cc, engine.Config{
		ConvIter: cfg.ConvIter,
		MaxIter:  cfg.MaxIter,
		Damping:  cfg.Damping,
	})
	if err != nil {
		return nil, err
	}
	out, err := eng.Run(ctx)
	// Release the engine's buffers before the resolver allocates its own.
	if cerr := eng.Close(); cerr != nil {
		log.LogCleanup(ctx, "engine", cerr)
	}
	if err != nil {
		return nil, err
	}
	if cc.Group.IsRoot() {
		log.LogConvergence(ctx, out.State, out.Iterations, out.K)
	}
	return out, nil
}

func (c *Clusterer) resolve(ctx context.Context, cc *engine.ClusteringContext, out *engine.Result) (*resolve.Result, error) {
	r, err := resolve.New(cc)
	if err := comm.Agree(ctx, cc.Group, err); err != nil {
		if r != nil {
			_ = r.Close()
		}
		return nil, err
	}
	defer r.Close()
	return r.Resolve(ctx, out.Exemplars)
}

// merge projects this tier's labels onto the points of tier 1 through the
// parent's labels.
func (c *Clusterer) merge(ctx context.Context, tier int, res *Result) ([]int32, error) {
	name := parentLabelsName(tier)
	ds, err := c.store.OpenReadOnly(ctx, name)
	if err != nil {
		return nil, storeError("open", name, err)
	}
	defer ds.Close()

	parent := make([]int32, ds.Rows())
	if err := ds.ReadInt32(ctx, arraystore.Range(0, len(parent)), parent); err != nil {
		return nil, storeError("read", name, err)
	}
	return mergeLabels(parent, res.Labels), nil
}

// mergeLabels returns labels[parent[p]] for every p. Parents outside
// labels, i.e. in the truncated tail or already -1, map to -1. Without
// clusters the result is empty.
func mergeLabels(parent, labels []int32) []int32 {
	if len(labels) == 0 {
		return []int32{}
	}
	out := make([]int32, len(parent))
	for p, q := range parent {
		if q < 0 || int(q) >= len(labels) {
			out[p] = -1
			continue
		}
		out[p] = labels[q]
	}
	return out
}

// publish runs on rank 0 and writes the outputs of res.
func (c *Clusterer) publish(ctx context.Context, res *Result) error {
	converged := 0.0
	if res.Converged() {
		converged = 1
	}
	attrs := map[string]float64{
		"k":          float64(res.K),
		"iterations": float64(res.Iterations),
		"converged":  converged,
	}
	if err := c.writeInt32(ctx, LabelsName(res.Tier), res.Labels, attrs); err != nil {
		return err
	}
	if err := c.writeInt32(ctx, CentersName(res.Tier), res.Exemplars, nil); err != nil {
		return err
	}
	if res.Tier > 1 {
		if err := c.writeInt32(ctx, MergedName(res.Tier), res.Merged, nil); err != nil {
			return err
		}
	}

	if c.opts.archive == nil {
		return nil
	}
	_, err := c.opts.archive.Publish(ctx, &archive.TierResult{
		Tier:       res.Tier,
		N:          res.Layout.N,
		NRaw:       res.Layout.NRaw,
		Iterations: res.Iterations,
		State:      res.State.String(),
		Labels:     res.Labels,
		Centers:    res.Exemplars,
		Merged:     res.Merged,
	})
	return err
}

func (c *Clusterer) writeInt32(ctx context.Context, name string, values []int32, attrs map[string]float64) error {
	ds, err := c.store.Create(ctx, name, arraystore.Spec{
		Shape: []int{len(values)},
		DType: arraystore.Int32,
		Attrs: attrs,
	})
	if err != nil {
		return storeError("create", name, err)
	}
	if len(values) > 0 {
		if err := ds.WriteInt32(ctx, arraystore.Range(0, len(values)), values); err != nil {
			_ = ds.Close()
			return storeError("write", name, err)
		}
	}
	if err := ds.Flush(ctx); err != nil {
		_ = ds.Close()
		return storeError("flush", name, err)
	}
	return storeError("close", name, ds.Close())
}

// cleanup removes the shared scratch datasets once every rank is done with
// them. Spill directories are removed by the engine itself. After a failed
// run the peers may be gone, so rank 0 removes the scratch data without
// waiting for them.
func (c *Clusterer) cleanup(ctx context.Context, cc *engine.ClusteringContext, log *Logger, ok bool) {
	ctx = context.WithoutCancel(ctx)
	l := cc.Layout
	if l.NProcs == 1 && !l.Spill {
		return
	}
	if ok {
		if err := cc.Group.Barrier(ctx); err != nil {
			log.LogCleanup(ctx, "barrier", err)
		}
	}
	if !cc.Group.IsRoot() {
		return
	}
	var errs []error
	for _, m := range []string{"Rp", "A"} {
		errs = append(errs, c.store.Delete(ctx, cc.ScratchName(m)))
	}
	log.LogCleanup(ctx, "scratch", errors.Join(errs...))
}
