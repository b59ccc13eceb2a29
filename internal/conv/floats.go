package conv

import (
	"encoding/binary"
	"math"
)

// PutFloat32s encodes src little-endian into dst, which must hold 4*len(src) bytes.
func PutFloat32s(dst []byte, src []float32) {
	if len(src) == 0 {
		return
	}
	_ = dst[4*len(src)-1]
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
	}
}

// Float32s decodes little-endian float32 values from src into dst.
func Float32s(dst []float32, src []byte) {
	if len(dst) == 0 {
		return
	}
	_ = src[4*len(dst)-1]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
}

// PutInt32s encodes src little-endian into dst, which must hold 4*len(src) bytes.
func PutInt32s(dst []byte, src []int32) {
	if len(src) == 0 {
		return
	}
	_ = dst[4*len(src)-1]
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[4*i:], uint32(v))
	}
}

// Int32s decodes little-endian int32 values from src into dst.
func Int32s(dst []int32, src []byte) {
	if len(dst) == 0 {
		return
	}
	_ = src[4*len(dst)-1]
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint32(src[4*i:]))
	}
}
