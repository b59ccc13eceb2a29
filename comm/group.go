package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/apcluster/codec"
)

// Group layers the collectives used by the clustering protocol over a
// Transport. Every collective ends with a broadcast from rank 0, so all
// ranks leave it with the same result.
type Group struct {
	t     Transport
	codec codec.Codec
}

// NewGroup wraps t.
func NewGroup(t Transport) *Group {
	return &Group{t: t, codec: codec.Default}
}

func (g *Group) Rank() int    { return g.t.Rank() }
func (g *Group) Size() int    { return g.t.Size() }
func (g *Group) IsRoot() bool { return g.t.Rank() == 0 }

// Transport returns the underlying transport.
func (g *Group) Transport() Transport { return g.t }

// Abort fails the group for every rank.
func (g *Group) Abort(cause error) { g.t.Abort(cause) }

func (g *Group) Close() error { return g.t.Close() }

// Barrier returns once every rank has entered it.
func (g *Group) Barrier(ctx context.Context) error {
	if _, err := g.t.Gather(ctx, nil); err != nil {
		return fmt.Errorf("comm: barrier: %w", err)
	}
	if _, err := g.t.Broadcast(ctx, nil); err != nil {
		return fmt.Errorf("comm: barrier: %w", err)
	}
	return nil
}

// BroadcastBytes distributes rank 0's payload.
func (g *Group) BroadcastBytes(ctx context.Context, p []byte) ([]byte, error) {
	out, err := g.t.Broadcast(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("comm: broadcast: %w", err)
	}
	return out, nil
}

// BroadcastBool distributes rank 0's flag.
func (g *Group) BroadcastBool(ctx context.Context, v bool) (bool, error) {
	var b [1]byte
	if v {
		b[0] = 1
	}
	out, err := g.BroadcastBytes(ctx, b[:])
	if err != nil {
		return false, err
	}
	return len(out) == 1 && out[0] == 1, nil
}

// AllGather returns every rank's payload, indexed by rank, on every rank.
func (g *Group) AllGather(ctx context.Context, p []byte) ([][]byte, error) {
	parts, err := g.t.Gather(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("comm: all-gather: %w", err)
	}
	var packed []byte
	if g.IsRoot() {
		packed = pack(parts)
	}
	packed, err = g.t.Broadcast(ctx, packed)
	if err != nil {
		return nil, fmt.Errorf("comm: all-gather: %w", err)
	}
	out, err := unpack(packed, g.Size())
	if err != nil {
		return nil, fmt.Errorf("comm: all-gather: %w", err)
	}
	return out, nil
}

// AllGatherInt32 concatenates every rank's values in rank order.
func (g *Group) AllGatherInt32(ctx context.Context, local []int32) ([]int32, error) {
	buf := make([]byte, 4*len(local))
	for i, v := range local {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	parts, err := g.AllGather(ctx, buf)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, p := range parts {
		for i := 0; i+4 <= len(p); i += 4 {
			out = append(out, int32(binary.LittleEndian.Uint32(p[i:])))
		}
	}
	return out, nil
}

// AllGatherFloat64 concatenates every rank's values in rank order.
func (g *Group) AllGatherFloat64(ctx context.Context, local []float64) ([]float64, error) {
	buf := make([]byte, 8*len(local))
	for i, v := range local {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	parts, err := g.AllGather(ctx, buf)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, p := range parts {
		for i := 0; i+8 <= len(p); i += 8 {
			out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(p[i:])))
		}
	}
	return out, nil
}

// AllGatherBitmap returns the union of every rank's bitmap on every rank.
func (g *Group) AllGatherBitmap(ctx context.Context, local *roaring.Bitmap) (*roaring.Bitmap, error) {
	if local == nil {
		local = roaring.New()
	}
	p, err := local.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("comm: encode bitmap: %w", err)
	}
	parts, err := g.t.Gather(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("comm: gather bitmap: %w", err)
	}

	var union []byte
	if g.IsRoot() {
		union, err = unionBytes(parts)
		if err != nil {
			// Peers are blocked in Broadcast; release them before failing.
			g.Abort(err)
			return nil, err
		}
	}
	union, err = g.t.Broadcast(ctx, union)
	if err != nil {
		return nil, fmt.Errorf("comm: broadcast bitmap: %w", err)
	}

	out := roaring.New()
	if err := out.UnmarshalBinary(union); err != nil {
		return nil, fmt.Errorf("comm: decode bitmap: %w", err)
	}
	return out, nil
}

func unionBytes(parts [][]byte) ([]byte, error) {
	bms := make([]*roaring.Bitmap, len(parts))
	for r, p := range parts {
		bms[r] = roaring.New()
		if err := bms[r].UnmarshalBinary(p); err != nil {
			return nil, fmt.Errorf("comm: decode bitmap from rank %d: %w", r, err)
		}
	}
	return roaring.FastOr(bms...).ToBytes()
}

// pack frames parts as [count u32]([len u32][bytes])*.
func pack(parts [][]byte) []byte {
	n := 4
	for _, p := range parts {
		n += 4 + len(p)
	}
	out := make([]byte, 4, n)
	binary.LittleEndian.PutUint32(out, uint32(len(parts)))
	for _, p := range parts {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(p)))
		out = append(out, p...)
	}
	return out
}

func unpack(b []byte, want int) ([][]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("comm: short packed frame")
	}
	count := int(binary.LittleEndian.Uint32(b))
	if count != want {
		return nil, fmt.Errorf("comm: packed frame holds %d parts, want %d", count, want)
	}
	b = b[4:]
	out := make([][]byte, count)
	for i := range out {
		if len(b) < 4 {
			return nil, fmt.Errorf("comm: short packed frame")
		}
		n := int(binary.LittleEndian.Uint32(b))
		if len(b) < 4+n {
			return nil, fmt.Errorf("comm: short packed frame")
		}
		out[i] = b[4 : 4+n]
		b = b[4+n:]
	}
	return out, nil
}
