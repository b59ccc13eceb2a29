package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/comm"
	"github.com/hupe1980/apcluster/convergence"
	"github.com/hupe1980/apcluster/internal/resource"
	"github.com/hupe1980/apcluster/internal/spill"
	"github.com/hupe1980/apcluster/partition"
)

// Config holds the iteration parameters.
type Config struct {
	// ConvIter is the number of consecutive iterations the exemplar set
	// must stay unchanged. If 0, defaults to 15.
	ConvIter int

	// MaxIter caps the number of iterations. If 0, defaults to 200.
	MaxIter int

	// Damping weighs the previous value of every message.
	// If 0, defaults to 0.9.
	Damping float64
}

const (
	DefaultConvIter = 15
	DefaultMaxIter  = 200
	DefaultDamping  = 0.9
)

func (c Config) withDefaults() Config {
	if c.ConvIter == 0 {
		c.ConvIter = DefaultConvIter
	}
	if c.MaxIter == 0 {
		c.MaxIter = DefaultMaxIter
	}
	if c.Damping == 0 {
		c.Damping = DefaultDamping
	}
	return c
}

// Result is the outcome of Run. It is identical on every rank.
type Result struct {
	State      State
	Iterations int
	// K is the number of points flagged in Exemplars.
	K int
	// Exemplars is the indicator vector of the last iteration.
	Exemplars *roaring.Bitmap
}

// Engine runs affinity propagation on one rank of a process group.
//
// Rank r keeps the rows [r*L, (r+1)*L) of R and the same columns of A. Each
// iteration it updates its rows of R and publishes them as Rp, then updates
// its columns of A from the column sums of Rp and publishes them, and
// finally takes part in the group-wide convergence decision. Every phase
// ends with a barrier.
type Engine struct {
	cc      *ClusteringContext
	cfg     Config
	damping float32
	state   State
	iters   int

	s, r, at TileSource
	store    *spill.Store
	ex       *Exchange
	tracker  *convergence.Tracker

	rdiag, adiag []float32
	aRow, rpRow  []float32
	rpCol, aCol  []float32
	sums         []float64
	scratch      *resource.Reservation

	log *slog.Logger
	obs MetricsObserver
}

// New prepares a rank for iteration: it opens the similarity tiles, the R
// and A state, and the shared exchange. New is collective.
func New(ctx context.Context, cc *ClusteringContext, cfg Config) (_ *Engine, err error) {
	cfg = cfg.withDefaults()
	l := cc.Layout
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if l.NProcs != cc.Group.Size() {
		return nil, fmt.Errorf("%w: layout for %d ranks in a group of %d", partition.ErrInvalidLayout, l.NProcs, cc.Group.Size())
	}

	tracker, err := convergence.New(l.N, cfg.ConvIter)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cc:      cc,
		cfg:     cfg,
		damping: float32(cfg.Damping),
		state:   StateInitializing,
		tracker: tracker,
		rdiag:   make([]float32, l.L),
		adiag:   make([]float32, l.L),
		log:     cc.Log(),
		obs:     cc.Observer(),
	}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	// Setup up to here is rank-local. Ranks agree on its outcome before the
	// first shared step so a local failure cannot strand the others.
	if err := comm.Agree(ctx, cc.Group, e.openLocal(ctx)); err != nil {
		return nil, err
	}
	if e.ex, err = OpenExchange(ctx, cc); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) openLocal(ctx context.Context) (err error) {
	cc, l := e.cc, e.cc.Layout
	if l.Spill {
		e.store, err = spill.Open(cc.SpillDir(), spill.Options{
			Compression: cc.Compression,
			Resources:   cc.Resources,
		})
		if err != nil {
			return err
		}
	}
	if e.s, err = NewSimilarityTiles(ctx, cc); err != nil {
		return err
	}
	if e.r, err = NewStateTiles("R", cc, e.store); err != nil {
		return err
	}
	if e.at, err = NewStateTiles("At", cc, e.store); err != nil {
		return err
	}

	tile := l.LL * l.N
	if e.scratch, err = cc.Resources.Reserve("exchange buffers", 4*int64(tile)*partition.ItemSize); err != nil {
		return err
	}
	e.aRow = make([]float32, tile)
	e.rpRow = make([]float32, tile)
	e.rpCol = make([]float32, tile)
	e.aCol = make([]float32, tile)
	e.sums = make([]float64, l.LL)
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Exchange returns the shared scratch matrices.
func (e *Engine) Exchange() *Exchange { return e.ex }

// Tracker returns the convergence window.
func (e *Engine) Tracker() *convergence.Tracker { return e.tracker }

// Run iterates until the exemplar set converges or the budget is spent.
// Exhausting the budget is not an error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.state != StateInitializing {
		return nil, fmt.Errorf("engine: run in state %s", e.state)
	}
	start := time.Now()
	e.state = StateIterating
	root := e.cc.Group.IsRoot()

	for it := 0; it < e.cfg.MaxIter; it++ {
		t0 := time.Now()
		converged, err := e.iterate(ctx, it)
		if err != nil {
			return nil, fmt.Errorf("engine: iteration %d: %w", it, err)
		}
		e.iters = it + 1

		k := e.tracker.K()
		unstable := int(e.tracker.Unstable().GetCardinality())
		e.obs.OnIteration(it, k, unstable, time.Since(t0))
		if root {
			e.log.InfoContext(ctx, "iteration completed",
				"iteration", it,
				"k", k,
				"unstable", unstable,
				"duration", time.Since(t0),
			)
		}
		if converged {
			e.state = StateConverged
			break
		}
	}
	if e.state != StateConverged {
		e.state = StateExhausted
	}

	res := &Result{
		State:      e.state,
		Iterations: e.iters,
		K:          e.tracker.K(),
		// Every vector of a settled window is equal; when exhausted the
		// latest one is the last computed.
		Exemplars: e.tracker.Latest().Clone(),
	}
	e.obs.OnRun(res.State, res.Iterations, res.K, time.Since(start))
	return res, nil
}

func (e *Engine) iterate(ctx context.Context, it int) (bool, error) {
	g := e.cc.Group

	t0 := time.Now()
	if err := e.responsibility(ctx); err != nil {
		return false, fmt.Errorf("responsibility: %w", err)
	}
	if err := g.Barrier(ctx); err != nil {
		return false, err
	}
	e.phase(ctx, "responsibility", t0)

	t0 = time.Now()
	if err := e.availability(ctx); err != nil {
		return false, fmt.Errorf("availability: %w", err)
	}
	if err := g.Barrier(ctx); err != nil {
		return false, err
	}
	e.phase(ctx, "availability", t0)

	t0 = time.Now()
	converged, err := e.converge(ctx, it)
	if err != nil {
		return false, fmt.Errorf("convergence: %w", err)
	}
	e.phase(ctx, "convergence", t0)
	return converged, nil
}

func (e *Engine) phase(ctx context.Context, name string, t0 time.Time) {
	d := time.Since(t0)
	e.obs.OnPhase(name, d)
	e.log.DebugContext(ctx, "phase completed", "phase", name, "duration", d)
}

// responsibility updates this rank's rows of R tile by tile and publishes
// the matching rows of Rp.
func (e *Engine) responsibility(ctx context.Context) error {
	l, rank := e.cc.Layout, e.cc.Rank()
	rb, _ := l.RowRange(rank)

	for t := 0; t < l.Tiles(); t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo, _ := l.TileRange(rank, t)
		sel := arraystore.RowBlock(lo, l.LL, l.N)

		s, err := e.s.Load(ctx, t)
		if err != nil {
			return err
		}
		r, err := e.r.Load(ctx, t)
		if err != nil {
			return err
		}
		if err := e.ex.A.ReadFloat32(ctx, sel, e.aRow); err != nil {
			return err
		}

		for row := 0; row < l.LL; row++ {
			i := lo + row
			seg := row * l.N
			e.rdiag[i-rb] = responsibilityRow(
				s[seg:seg+l.N], e.aRow[seg:seg+l.N], r[seg:seg+l.N], e.rpRow[seg:seg+l.N],
				i, e.damping)
		}

		if err := e.r.Store(ctx, t, r); err != nil {
			return err
		}
		if err := e.ex.Rp.WriteFloat32(ctx, sel, e.rpRow); err != nil {
			return err
		}
	}
	return e.ex.Rp.Flush(ctx)
}

// availability updates this rank's columns of A tile by tile from the
// column sums of Rp and publishes them.
func (e *Engine) availability(ctx context.Context) error {
	l, rank := e.cc.Layout, e.cc.Rank()
	cb, _ := l.RowRange(rank)

	for t := 0; t < l.Tiles(); t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c0, _ := l.TileRange(rank, t)
		sel := arraystore.ColBlock(c0, l.LL, l.N)

		if err := e.ex.Rp.ReadFloat32(ctx, sel, e.rpCol); err != nil {
			return err
		}
		columnSums(e.rpCol, l.N, l.LL, e.sums)

		at, err := e.at.Load(ctx, t)
		if err != nil {
			return err
		}
		availabilityColumns(e.rpCol, l.N, l.LL, c0, e.sums, at, e.adiag[c0-cb:c0-cb+l.LL], e.damping)
		if err := e.at.Store(ctx, t, at); err != nil {
			return err
		}

		transposeInto(e.aCol, at, l.LL, l.N)
		if err := e.ex.A.WriteFloat32(ctx, sel, e.aCol); err != nil {
			return err
		}
	}
	return e.ex.A.Flush(ctx)
}

// converge gathers the indicator vector of iteration it and lets rank 0
// decide whether the window has settled.
func (e *Engine) converge(ctx context.Context, it int) (bool, error) {
	rb, _ := e.cc.Layout.RowRange(e.cc.Rank())
	local := roaring.New()
	for j := range e.rdiag {
		if e.rdiag[j]+e.adiag[j] > 0 {
			local.Add(uint32(rb + j))
		}
	}

	flags, err := e.cc.Group.AllGatherBitmap(ctx, local)
	if err != nil {
		return false, err
	}
	if err := e.tracker.Push(it, flags); err != nil {
		return false, err
	}
	return comm.Decide(ctx, e.cc.Group, func() (bool, error) {
		return e.tracker.Converged(), nil
	})
}

// Close releases tiles, buffers and this rank's spill directory. Shared
// scratch datasets are closed but left for the driver to remove.
func (e *Engine) Close() error {
	var errs []error
	for _, src := range []TileSource{e.s, e.r, e.at} {
		if src != nil {
			errs = append(errs, src.Close())
		}
	}
	e.s, e.r, e.at = nil, nil, nil
	if e.ex != nil {
		errs = append(errs, e.ex.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.RemoveAll())
		e.store = nil
	}
	e.scratch.Release()
	return errors.Join(errs...)
}
