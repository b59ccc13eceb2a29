package spill

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec applied to spilled tiles.
type Compression uint8

const (
	// CompressionNone stores tiles raw.
	CompressionNone Compression = 0
	// CompressionLZ4 is fast enough to sit on the per-iteration path.
	CompressionLZ4 Compression = 1
	// CompressionZSTD trades CPU for smaller spill files on slow disks.
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration string onto a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("spill: unknown compression %q", s)
	}
}

var (
	errShortFrame   = errors.New("spill: frame too small for header")
	errSizeMismatch = errors.New("spill: decompressed size mismatch")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Frame layout: [codec uint8][raw size uint32][stored size uint32][payload].
// A stored size of 0 means the payload is raw.
const frameHeaderSize = 9

// encodeFrame appends the framed form of raw to dst.
func encodeFrame(dst, raw []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	}

	// Incompressible tiles (lz4 returns n == 0) are stored raw.
	if len(packed) == 0 || len(packed) >= len(raw) {
		c, packed = CompressionNone, nil
	}

	var hdr [frameHeaderSize]byte
	hdr[0] = byte(c)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[5:], uint32(len(packed)))
	dst = append(dst, hdr[:]...)
	if c == CompressionNone {
		return append(dst, raw...), nil
	}
	return append(dst, packed...), nil
}

// decodeFrame decodes frame into dst, which must be exactly the raw size.
func decodeFrame(dst, frame []byte) error {
	if len(frame) < frameHeaderSize {
		return errShortFrame
	}
	c := Compression(frame[0])
	rawSize := binary.LittleEndian.Uint32(frame[1:])
	storedSize := binary.LittleEndian.Uint32(frame[5:])
	if uint64(rawSize) != uint64(len(dst)) {
		return fmt.Errorf("spill: frame holds %d bytes, want %d", rawSize, len(dst))
	}
	payload := frame[frameHeaderSize:]

	if storedSize == 0 {
		if len(payload) < len(dst) {
			return errShortFrame
		}
		copy(dst, payload)
		return nil
	}
	if uint64(len(payload)) < uint64(storedSize) {
		return errShortFrame
	}
	payload = payload[:storedSize]

	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return err
		}
		if n != len(dst) {
			return errSizeMismatch
		}
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, dst[:0])
		if err != nil {
			return err
		}
		if len(out) != len(dst) {
			return errSizeMismatch
		}
		copy(dst, out)
	default:
		return fmt.Errorf("spill: unknown frame codec %d", c)
	}
	return nil
}
