// Package apcluster clusters large similarity matrices with affinity
// propagation on a group of cooperating processes.
//
// The N×N similarity matrix lives in a chunked array container
// (arraystore) as tier<t>/cluster, with the preference stored as a
// "preference" attribute. Each rank of the group owns a block of rows and,
// when the block does not fit in memory, walks it in tiles backed by spill
// files. After the exemplar set has been stable for conv_iter iterations
// (or max_iter is reached), the exemplars are resolved into labels and
// written back to the container.
//
// # Quick Start
//
// In-process group of four ranks:
//
//	store, _ := arraystore.NewLocalStore("./clusters", arraystore.WithWriteMode(arraystore.Collective))
//	err := comm.RunLocal(ctx, 4, func(ctx context.Context, g *comm.Group) error {
//	    c, err := apcluster.New(store, g,
//	        apcluster.WithDamping(0.9),
//	        apcluster.WithConvergenceIterations(15),
//	        apcluster.WithMaxIterations(200),
//	    )
//	    if err != nil {
//	        return err
//	    }
//	    res, err := c.Run(ctx, 1)
//	    ...
//	})
//
// Across machines, each process joins the group with comm.DialGRPC and runs
// the same code.
//
// # Tiers
//
// Tier t+1 clusters the exemplars of tier t. Its input matrix holds the
// similarities between the centers of tier t, in center order, and the
// outputs include tier<t+1>/labels-merged: the tier t+1 label of every
// point of tier 1.
//
// # Outputs
//
//	tier<t>/labels         int32[N], attributes k, iterations, converged
//	tier<t>/centers        int32[K], exemplar indices
//	tier<t>/labels-merged  int32[N1], tiers above 1
//
// When N is not a multiple of 4*nprocs the trailing rows are excluded and
// logged. A run in which no point becomes an exemplar writes empty outputs
// and reports ErrNoClusters through Result.Err.
//
// # Archives
//
// WithArchive additionally publishes every tier to a blob store (local
// directory, S3 or MinIO), see package archive.
package apcluster
