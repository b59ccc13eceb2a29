package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/apcluster/arraystore"
	"github.com/hupe1980/apcluster/comm"
)

// Exchange holds the N×N Rp and A matrices ranks hand blocks through: each
// rank publishes row blocks of Rp and column blocks of A, and reads the
// transposed shape back in the next phase.
//
// A single rank that does not spill exchanges through memory. Otherwise
// both matrices live in the container as tier<t>/scratch/{Rp,A}, chunked
// tile by tile so no two ranks ever write the same chunk.
type Exchange struct {
	Rp, A arraystore.Dataset

	store  arraystore.Store
	names  []string
	shared bool
}

// OpenExchange creates the exchange matrices on rank 0 and opens them on
// every rank. A creation failure is reported on all ranks.
func OpenExchange(ctx context.Context, cc *ClusteringContext) (*Exchange, error) {
	l := cc.Layout
	x := &Exchange{
		store:  cc.Store,
		names:  []string{cc.ScratchName("Rp"), cc.ScratchName("A")},
		shared: true,
	}
	if l.NProcs == 1 && !l.Spill {
		x.store = arraystore.NewMemoryStore()
		x.shared = false
	}

	_, err := comm.Decide(ctx, cc.Group, func() (struct{}, error) {
		for _, name := range x.names {
			ds, err := x.store.Create(ctx, name, arraystore.Spec{
				Shape: []int{l.N, l.N},
				DType: arraystore.Float32,
				Chunk: []int{l.LL, l.LL},
			})
			if err != nil {
				return struct{}{}, err
			}
			if err := ds.Close(); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create exchange: %w", err)
	}

	if x.Rp, err = x.store.Open(ctx, x.names[0]); err != nil {
		return nil, err
	}
	if x.A, err = x.store.Open(ctx, x.names[1]); err != nil {
		_ = x.Rp.Close()
		return nil, err
	}
	return x, nil
}

// Shared reports whether the exchange lives in the container and has to be
// removed once the run ends.
func (x *Exchange) Shared() bool { return x.shared }

// Names returns the dataset names of Rp and A.
func (x *Exchange) Names() []string { return append([]string(nil), x.names...) }

// Close releases this rank's handles.
func (x *Exchange) Close() error {
	var errs []error
	for _, ds := range []arraystore.Dataset{x.Rp, x.A} {
		if ds != nil {
			errs = append(errs, ds.Close())
		}
	}
	x.Rp, x.A = nil, nil
	return errors.Join(errs...)
}

// Remove deletes both matrices. Only one rank should call it, after every
// rank has closed its handles.
func (x *Exchange) Remove(ctx context.Context) error {
	var errs []error
	for _, name := range x.names {
		errs = append(errs, x.store.Delete(ctx, name))
	}
	return errors.Join(errs...)
}
