package arraystore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/apcluster/codec"
)

// On-disk dataset layout:
//
//	[0, headerSize)  fixed header: magic, version, codec name, metadata
//	[headerSize, …)  chunk grid, row-major; each chunk row-major and padded
//	                 to the full chunk shape at the edges
const (
	headerSize    = 4096
	headerVersion = 1
	preambleSize  = 12
)

var magic = [4]byte{'A', 'P', 'D', 'S'}

var errBadHeader = errors.New("arraystore: malformed dataset header")

// meta is the self-describing part of the header.
type meta struct {
	Shape []int              `json:"shape"`
	DType DType              `json:"dtype"`
	Chunk []int              `json:"chunk"`
	Attrs map[string]float64 `json:"attrs,omitempty"`
}

// encodeHeader renders m into a headerSize buffer.
//
// Preamble: [magic 4][version u16][codec name len u8][reserved u8][meta len u32].
func encodeHeader(c codec.Codec, m meta) ([]byte, error) {
	body, err := c.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("arraystore: encode header: %w", err)
	}
	name := c.Name()
	if len(name) > 255 || preambleSize+len(name)+len(body) > headerSize {
		return nil, fmt.Errorf("arraystore: header exceeds %d bytes", headerSize)
	}

	buf := make([]byte, headerSize)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint16(buf[4:], headerVersion)
	buf[6] = byte(len(name))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(body)))
	copy(buf[preambleSize:], name)
	copy(buf[preambleSize+len(name):], body)
	return buf, nil
}

func decodeHeader(buf []byte) (meta, error) {
	var m meta
	if len(buf) < preambleSize || [4]byte(buf[:4]) != magic {
		return m, errBadHeader
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != headerVersion {
		return m, fmt.Errorf("arraystore: unsupported header version %d", v)
	}
	nameLen := int(buf[6])
	bodyLen := int(binary.LittleEndian.Uint32(buf[8:]))
	if preambleSize+nameLen+bodyLen > len(buf) {
		return m, errBadHeader
	}
	name := string(buf[preambleSize : preambleSize+nameLen])
	c, ok := codec.ByName(name)
	if !ok {
		return m, fmt.Errorf("arraystore: header written with unknown codec %q", name)
	}
	body := buf[preambleSize+nameLen : preambleSize+nameLen+bodyLen]
	if err := c.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("arraystore: decode header: %w", err)
	}
	if err := (Spec{Shape: m.Shape, DType: m.DType, Chunk: m.Chunk}).validate(); err != nil {
		return m, err
	}
	if len(m.Chunk) == 0 {
		return m, errBadHeader
	}
	return m, nil
}
