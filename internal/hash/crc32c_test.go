package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	// Check value of the Castagnoli polynomial.
	assert.Equal(t, uint32(0xE3069283), CRC32C([]byte("123456789")))
	assert.Zero(t, CRC32C(nil))
}

func TestVerify(t *testing.T) {
	data := []byte("tier-1/labels.zst")
	sum := CRC32C(data)

	assert.True(t, Verify(data, int64(len(data)), sum))
	assert.False(t, Verify(data, int64(len(data))+1, sum))
	assert.False(t, Verify(data[1:], int64(len(data)-1), sum))
}

func TestBase64(t *testing.T) {
	assert.Equal(t, "4waSgw==", Base64(0xE3069283))
}
