// Package blobstore stores the published results of clustering runs.
//
// Archives of labels and centers (see package archive) are written as
// immutable blobs plus a small CURRENT pointer. BlobStore is the minimal
// surface they need:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: Local filesystem, atomic rename on Put, mmap on Open
//   - MemoryStore: in-memory, for tests
//   - s3.Store / s3.DDBCommitStore: Amazon S3, optionally with DynamoDB
//     conditional writes guarding the CURRENT pointer
//   - minio.Store: MinIO and other S3-compatible servers
package blobstore
