// Package archive publishes tier results to a blobstore.BlobStore.
//
// A tier is stored as
//
//	tier-<t>/labels.zst    zstd-compressed little-endian int32 labels
//	tier-<t>/centers.zst   exemplar indices
//	tier-<t>/merged.zst    labels mapped back to tier 1 (tier > 1 only)
//	tier-<t>/manifest.json counts, sizes and CRC32C checksums
//	CURRENT                name of the latest manifest
//
// On S3 the CURRENT pointer can be committed through
// blobstore/s3.DDBCommitStore.
package archive
