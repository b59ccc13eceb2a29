// Package hash checksums archived tier payloads.
//
// Every blob an archive.Publisher writes is recorded in the tier manifest
// with its size and CRC32-Castagnoli sum, and archive.Load rejects blobs
// that fail Verify. The S3 backend sends the same sum with each upload
// (Base64) so the service validates the object too.
package hash
