package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/hupe1980/apcluster"
	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/testutil"
)

// genCmd writes tier<t>/cluster: the negative squared distances of points
// drawn around random blob centres, with the median similarity as the
// preference unless -preference is given.
func genCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gen", flag.ContinueOnError)
	var (
		dir      = fs.String("store", "", "array container directory")
		tier     = fs.Int("tier", 1, "tier to write the matrix for")
		n        = fs.Int("n", 1000, "number of points")
		dim      = fs.Int("dim", 2, "point dimension")
		clusters = fs.Int("clusters", 8, "number of blobs")
		spread   = fs.Float64("spread", 0.5, "standard deviation around a blob centre")
		seed     = fs.Int64("seed", 42, "random seed")
		pref     = fs.Float64("preference", 0, "preference (default: median similarity)")
		dtype    = fs.String("dtype", "float32", "storage type: float32 or float16")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("gen: -store is required")
	}
	if *n < 2 || *dim < 1 || *clusters < 1 {
		return fmt.Errorf("gen: need -n >= 2, -dim >= 1 and -clusters >= 1")
	}
	var dt arraystore.DType
	if err := dt.UnmarshalText([]byte(*dtype)); err != nil || dt == arraystore.Int32 {
		return fmt.Errorf("gen: invalid -dtype %q", *dtype)
	}

	rng := testutil.NewRNG(*seed)
	s := testutil.NegSquaredDistances(rng.Blobs(*n, *dim, *clusters, float32(*spread)))
	p := testutil.MedianSimilarity(s, *n)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "preference" {
			p = float32(*pref)
		}
	})

	store, err := arraystore.NewLocalStore(*dir)
	if err != nil {
		return err
	}
	name := apcluster.SimilarityName(*tier)
	if err := store.Delete(ctx, name); err != nil {
		return err
	}
	ds, err := store.Create(ctx, name, arraystore.Spec{
		Shape: []int{*n, *n},
		DType: dt,
		Attrs: map[string]float64{"preference": float64(p)},
	})
	if err != nil {
		return err
	}
	if err := ds.WriteFloat32(ctx, arraystore.RowBlock(0, *n, *n), s); err != nil {
		_ = ds.Close()
		return err
	}
	if err := ds.Flush(ctx); err != nil {
		_ = ds.Close()
		return err
	}
	if err := ds.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s: %dx%d %s, preference %g\n", name, *n, *n, dt, p)
	return nil
}
