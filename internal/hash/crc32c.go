package hash

import (
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Verify reports whether data is size bytes long and sums to want.
func Verify(data []byte, size int64, want uint32) bool {
	return int64(len(data)) == size && CRC32C(data) == want
}

// Base64 encodes sum as S3 expects it in x-amz-checksum-crc32c: the
// big-endian bytes in standard base64.
func Base64(sum uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)
	return base64.StdEncoding.EncodeToString(b[:])
}
