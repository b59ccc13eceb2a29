// Package minio provides a BlobStore implementation using the MinIO client.
//
// It works against MinIO and other S3-compatible systems (Ceph, SeaweedFS,
// Garage) without pulling in the AWS SDK, which suits clusters that archive
// tier results on-premises.
//
// # Basic Usage
//
//	store, err := minioblob.Dial(ctx, "localhost:9000", "minioadmin", "minioadmin",
//	    false, "clusters", "run-42/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pub := archive.NewPublisher(store)
package minio
