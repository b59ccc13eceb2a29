package resolve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/codec"
	"github.com/hupe1980/apcluster/comm"
	"github.com/hupe1980/apcluster/engine"
	"github.com/hupe1980/apcluster/internal/resource"
)

// ErrNoExemplars is returned by Assign for an empty exemplar set.
var ErrNoExemplars = errors.New("resolve: no exemplars")

// Result is the final clustering. It is identical on every rank.
type Result struct {
	// Exemplars holds the sorted exemplar indices I. Point Exemplars[k]
	// carries label k.
	Exemplars []int32
	// Labels holds C, the label of every point. It is empty when no
	// exemplar was found.
	Labels []int32
}

// K returns the number of clusters.
func (r *Result) K() int { return len(r.Exemplars) }

// Members returns the points labeled k.
func (r *Result) Members(k int) *roaring.Bitmap {
	bm := roaring.New()
	for i, c := range r.Labels {
		if int(c) == k {
			bm.Add(uint32(i))
		}
	}
	return bm
}

// Resolver turns the exemplar indicator vector of the engine into labels and
// refined exemplars. It reads the similarity matrix as stored, without the
// preference diagonal, and is collective: every rank of the group calls the
// same methods in the same order.
type Resolver struct {
	cc  *engine.ClusteringContext
	buf []float32
	res *resource.Reservation
}

// New reserves a rank's tile buffer.
func New(cc *engine.ClusteringContext) (*Resolver, error) {
	l := cc.Layout
	if cc.Similarity.Rows() < l.N || cc.Similarity.Cols() < l.N {
		return nil, fmt.Errorf("resolve: dataset %s is %dx%d, layout needs %d",
			cc.Similarity.Name(), cc.Similarity.Rows(), cc.Similarity.Cols(), l.N)
	}
	res, err := cc.Resources.Reserve("resolve tile", l.TileBytes())
	if err != nil {
		return nil, err
	}
	return &Resolver{cc: cc, buf: make([]float32, l.LL*l.N), res: res}, nil
}

// Close releases the tile buffer.
func (r *Resolver) Close() error {
	r.buf = nil
	r.res.Release()
	return nil
}

// Resolve runs both assignment passes around the exemplar refinement.
// An empty indicator vector yields an empty Result.
func (r *Resolver) Resolve(ctx context.Context, indicators *roaring.Bitmap) (*Result, error) {
	if indicators == nil || indicators.IsEmpty() {
		return &Result{Exemplars: []int32{}, Labels: []int32{}}, nil
	}
	log := r.cc.Log()
	obs := r.cc.Observer()

	t0 := time.Now()
	initial := toIndices(indicators)
	labels, err := r.Assign(ctx, initial)
	if err != nil {
		return nil, fmt.Errorf("resolve: pass 1: %w", err)
	}
	obs.OnPhase("assign", time.Since(t0))

	t0 = time.Now()
	refined, err := r.Refine(ctx, labels, len(initial))
	if err != nil {
		return nil, fmt.Errorf("resolve: refine: %w", err)
	}
	obs.OnPhase("refine", time.Since(t0))
	slices.Sort(refined)

	t0 = time.Now()
	if labels, err = r.Assign(ctx, refined); err != nil {
		return nil, fmt.Errorf("resolve: pass 2: %w", err)
	}
	obs.OnPhase("assign", time.Since(t0))

	if r.cc.Group.IsRoot() {
		moved := 0
		for k := range initial {
			if !slices.Contains(refined, initial[k]) {
				moved++
			}
		}
		log.DebugContext(ctx, "exemplars refined", "k", len(refined), "moved", moved)
	}
	return &Result{Exemplars: refined, Labels: labels}, nil
}

// Assign labels every point with the index of its most similar exemplar,
// the first one on ties. Exemplars are labeled with their own index. Each
// rank labels its row block tile by tile and the blocks are all-gathered.
func (r *Resolver) Assign(ctx context.Context, exemplars []int32) ([]int32, error) {
	if len(exemplars) == 0 {
		return nil, ErrNoExemplars
	}
	l, rank := r.cc.Layout, r.cc.Rank()
	self := make(map[int32]int32, len(exemplars))
	for k, e := range exemplars {
		if int(e) >= l.N || e < 0 {
			return nil, fmt.Errorf("resolve: exemplar %d outside [0, %d)", e, l.N)
		}
		self[e] = int32(k)
	}

	rb, _ := l.RowRange(rank)
	local := make([]int32, l.L)
	for t := 0; t < l.Tiles(); t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lo, _ := l.TileRange(rank, t)
		if err := r.cc.Similarity.ReadFloat32(ctx, arraystore.RowBlock(lo, l.LL, l.N), r.buf); err != nil {
			return nil, fmt.Errorf("read similarity rows %d-%d: %w", lo, lo+l.LL, err)
		}
		for row := 0; row < l.LL; row++ {
			i := lo + row
			if k, ok := self[int32(i)]; ok {
				local[i-rb] = k
				continue
			}
			local[i-rb] = nearest(r.buf[row*l.N:(row+1)*l.N], exemplars)
		}
	}
	return r.cc.Group.AllGatherInt32(ctx, local)
}

func nearest(row []float32, exemplars []int32) int32 {
	best, arg := float32(math.Inf(-1)), int32(0)
	for k, e := range exemplars {
		if v := row[e]; v > best {
			best, arg = v, int32(k)
		}
	}
	return arg
}

// candidate is the best exemplar a rank found for one cluster among the
// columns it owns. Index is -1 when it owns none of the cluster's points.
type candidate struct {
	Sum   float64 `json:"sum"`
	Index int32   `json:"index"`
}

// Refine picks, for every cluster, the member with the largest summed
// similarity from the other members, the lowest index on ties. Columns are
// scattered by ownership: each rank sums the columns of its block over the
// cluster members in ascending row order, and rank 0 reduces the per-rank
// candidates and broadcasts the refined exemplars in cluster order.
func (r *Resolver) Refine(ctx context.Context, labels []int32, k int) ([]int32, error) {
	l, rank := r.cc.Layout, r.cc.Rank()
	if len(labels) != l.N {
		return nil, fmt.Errorf("resolve: %d labels for %d points", len(labels), l.N)
	}

	members := make([]*roaring.Bitmap, k)
	for c := range members {
		members[c] = roaring.New()
	}
	for i, c := range labels {
		if c < 0 || int(c) >= k {
			return nil, fmt.Errorf("resolve: label %d of point %d outside [0, %d)", c, i, k)
		}
		members[c].Add(uint32(i))
	}

	best := make([]candidate, k)
	for c := range best {
		best[c].Index = -1
	}
	for t := 0; t < l.Tiles(); t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c0, _ := l.TileRange(rank, t)
		if err := r.cc.Similarity.ReadFloat32(ctx, arraystore.ColBlock(c0, l.LL, l.N), r.buf); err != nil {
			return nil, fmt.Errorf("read similarity columns %d-%d: %w", c0, c0+l.LL, err)
		}
		for col := 0; col < l.LL; col++ {
			j := c0 + col
			var sum float64
			it := members[labels[j]].Iterator()
			for it.HasNext() {
				i := int(it.Next())
				if i != j {
					sum += float64(r.buf[i*l.LL+col])
				}
			}
			if math.IsInf(sum, -1) {
				// -Inf does not survive the candidate encoding.
				sum = -math.MaxFloat64
			}
			if b := &best[labels[j]]; b.Index < 0 || sum > b.Sum {
				b.Sum, b.Index = sum, int32(j)
			}
		}
	}

	payload, err := codec.Default.Marshal(best)
	if err != nil {
		return nil, fmt.Errorf("resolve: encode candidates: %w", err)
	}
	return comm.GatherDecide(ctx, r.cc.Group, payload, func(parts [][]byte) ([]int32, error) {
		return reduceCandidates(parts, k)
	})
}

// reduceCandidates keeps the best candidate per cluster over all ranks.
// Ranks own ascending index ranges, so taking strict improvements in rank
// order keeps the lowest index on ties.
func reduceCandidates(parts [][]byte, k int) ([]int32, error) {
	out := make([]int32, k)
	top := make([]candidate, k)
	for c := range top {
		top[c].Index = -1
	}
	for rank, p := range parts {
		var got []candidate
		if err := codec.Default.Unmarshal(p, &got); err != nil {
			return nil, fmt.Errorf("decode candidates of rank %d: %w", rank, err)
		}
		if len(got) != k {
			return nil, fmt.Errorf("rank %d sent %d candidates, want %d", rank, len(got), k)
		}
		for c, cand := range got {
			if cand.Index < 0 {
				continue
			}
			if top[c].Index < 0 || cand.Sum > top[c].Sum {
				top[c] = cand
			}
		}
	}
	for c, cand := range top {
		if cand.Index < 0 {
			return nil, fmt.Errorf("cluster %d has no members", c)
		}
		out[c] = cand.Index
	}
	return out, nil
}

func toIndices(bm *roaring.Bitmap) []int32 {
	out := make([]int32, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, int32(it.Next()))
	}
	return out
}
