package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/internal/resource"
	"github.com/hupe1980/apcluster/internal/spill"
	"github.com/hupe1980/apcluster/partition"
)

// ErrReadOnlyTiles is returned when storing into the similarity tiles.
var ErrReadOnlyTiles = errors.New("engine: similarity tiles are read-only")

// ErrInvalidSimilarity is returned for NaN or +Inf similarities. -Inf is
// accepted and marks a pair that never links.
var ErrInvalidSimilarity = errors.New("engine: invalid similarity")

// TileSource serves the tiles of one rank's block of a matrix. Every tile
// has the same size; tile t of rank r covers the global range
// Layout.TileRange(r, t).
//
// The slice returned by Load may be the source's own storage. It stays
// valid until the next Load on the same source, and callers that modify it
// hand it back through Store.
type TileSource interface {
	Load(ctx context.Context, t int) ([]float32, error)
	Store(ctx context.Context, t int, tile []float32) error
	Close() error
}

// ResidentTiles keeps every tile in memory.
type ResidentTiles struct {
	tiles [][]float32
	res   *resource.Reservation
}

// NewResidentTiles allocates count zeroed tiles of size elements each,
// reserving their memory against rc.
func NewResidentTiles(name string, count, size int, rc *resource.Controller) (*ResidentTiles, error) {
	res, err := rc.Reserve(name, int64(count)*int64(size)*partition.ItemSize)
	if err != nil {
		return nil, err
	}
	tiles := make([][]float32, count)
	for t := range tiles {
		tiles[t] = make([]float32, size)
	}
	return &ResidentTiles{tiles: tiles, res: res}, nil
}

func (r *ResidentTiles) Load(_ context.Context, t int) ([]float32, error) {
	return r.tiles[t], nil
}

func (r *ResidentTiles) Store(_ context.Context, t int, tile []float32) error {
	dst := r.tiles[t]
	if len(tile) != len(dst) {
		return fmt.Errorf("engine: tile holds %d elements, want %d", len(tile), len(dst))
	}
	if len(dst) > 0 && &dst[0] == &tile[0] {
		return nil
	}
	copy(dst, tile)
	return nil
}

func (r *ResidentTiles) Close() error {
	r.tiles = nil
	r.res.Release()
	return nil
}

// DiskTiles keeps one tile in memory and the rest in a spill store. Tiles
// never stored load as zeros.
type DiskTiles struct {
	name  string
	store *spill.Store
	buf   []float32
	res   *resource.Reservation
	obs   MetricsObserver
}

// NewDiskTiles returns tiles of size elements named name inside store.
func NewDiskTiles(name string, store *spill.Store, size int, rc *resource.Controller, obs MetricsObserver) (*DiskTiles, error) {
	res, err := rc.Reserve(name+" tile", int64(size)*partition.ItemSize)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = NoopMetricsObserver{}
	}
	return &DiskTiles{name: name, store: store, buf: make([]float32, size), res: res, obs: obs}, nil
}

func (d *DiskTiles) Load(ctx context.Context, t int) ([]float32, error) {
	before := d.store.BytesRead()
	ok, err := d.store.ReadTile(ctx, d.name, t, d.buf)
	if err != nil {
		return nil, err
	}
	if !ok {
		clear(d.buf)
	}
	d.obs.OnSpill("read", d.store.BytesRead()-before)
	return d.buf, nil
}

func (d *DiskTiles) Store(ctx context.Context, t int, tile []float32) error {
	if len(tile) != len(d.buf) {
		return fmt.Errorf("engine: tile holds %d elements, want %d", len(tile), len(d.buf))
	}
	before := d.store.BytesWritten()
	if err := d.store.WriteTile(ctx, d.name, t, tile); err != nil {
		return err
	}
	d.obs.OnSpill("write", d.store.BytesWritten()-before)
	return nil
}

func (d *DiskTiles) Close() error {
	d.buf = nil
	d.res.Release()
	return nil
}

// DatasetTiles reads row tiles of the similarity matrix from its dataset on
// every Load, writes the preference onto the diagonal and breaks ties.
type DatasetTiles struct {
	ds     arraystore.Dataset
	layout partition.Layout
	rank   int
	pref   float32
	buf    []float32
	res    *resource.Reservation
}

// NewDatasetTiles serves rank's row tiles of ds.
func NewDatasetTiles(ds arraystore.Dataset, layout partition.Layout, rank int, pref float32, rc *resource.Controller) (*DatasetTiles, error) {
	if ds.Rows() < layout.N || ds.Cols() < layout.N {
		return nil, fmt.Errorf("engine: dataset %s is %dx%d, layout needs %d", ds.Name(), ds.Rows(), ds.Cols(), layout.N)
	}
	res, err := rc.Reserve("S tile", layout.TileBytes())
	if err != nil {
		return nil, err
	}
	return &DatasetTiles{
		ds:     ds,
		layout: layout,
		rank:   rank,
		pref:   pref,
		buf:    make([]float32, layout.LL*layout.N),
		res:    res,
	}, nil
}

func (d *DatasetTiles) Load(ctx context.Context, t int) ([]float32, error) {
	lo, _ := d.layout.TileRange(d.rank, t)
	if err := d.loadInto(ctx, lo, d.buf); err != nil {
		return nil, err
	}
	return d.buf, nil
}

func (d *DatasetTiles) loadInto(ctx context.Context, lo int, dst []float32) error {
	n, ll := d.layout.N, d.layout.LL
	sel := arraystore.Hyperslab{Row: lo, Rows: ll, Cols: n}
	if err := d.ds.ReadFloat32(ctx, sel, dst); err != nil {
		return fmt.Errorf("engine: read similarity rows %d-%d: %w", lo, lo+ll, err)
	}
	for r := 0; r < ll; r++ {
		row := dst[r*n : (r+1)*n]
		row[lo+r] = d.pref
		for c, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 1) {
				return fmt.Errorf("%w: S[%d,%d] is %v", ErrInvalidSimilarity, lo+r, c, v)
			}
			row[c] = tieBreak(lo+r, c, v)
		}
	}
	return nil
}

func (d *DatasetTiles) Store(context.Context, int, []float32) error { return ErrReadOnlyTiles }

func (d *DatasetTiles) Close() error {
	d.buf = nil
	d.res.Release()
	return nil
}

// NewSimilarityTiles selects the similarity source for a rank: resident,
// loaded once, when the layout does not spill, and read per tile otherwise.
func NewSimilarityTiles(ctx context.Context, cc *ClusteringContext) (TileSource, error) {
	l := cc.Layout
	src, err := NewDatasetTiles(cc.Similarity, l, cc.Rank(), cc.Preference, cc.Resources)
	if err != nil {
		return nil, err
	}
	if l.Spill {
		return src, nil
	}
	defer src.Close()

	res, err := NewResidentTiles("S", l.Tiles(), l.LL*l.N, cc.Resources)
	if err != nil {
		return nil, err
	}
	for t := 0; t < l.Tiles(); t++ {
		lo, _ := l.TileRange(cc.Rank(), t)
		if err := src.loadInto(ctx, lo, res.tiles[t]); err != nil {
			_ = res.Close()
			return nil, err
		}
	}
	return res, nil
}

// NewStateTiles selects the source for a rank's R or transposed A state.
func NewStateTiles(name string, cc *ClusteringContext, store *spill.Store) (TileSource, error) {
	l := cc.Layout
	if !l.Spill {
		return NewResidentTiles(name, l.Tiles(), l.LL*l.N, cc.Resources)
	}
	return NewDiskTiles(name, store, l.LL*l.N, cc.Resources, cc.Observer())
}
