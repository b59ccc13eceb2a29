// Package s3 provides an S3 implementation of the blobstore.BlobStore
// interface, used to archive tier results.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("clusters/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	pub := archive.NewPublisher(store)
//
// # Features
//
//   - Range reads for partial fetches
//   - CRC32C checksums on single-part puts, multipart uploads for large blobs
//   - Automatic pagination for listing
//   - DDBCommitStore: a DynamoDB commit log for the CURRENT pointer, for
//     writers sharing a prefix
package s3
