package arraystore

import (
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"sync"

	"github.com/x448/float16"

	"github.com/hupe1980/apcluster/internal/conv"
)

// backend is the byte-addressed payload under a dataset. Offsets are
// relative to the first chunk.
type backend interface {
	readAt(p []byte, off int64) error
	writeAt(p []byte, off int64) error
	// lock guards [off, off+n) and returns the matching unlock.
	lock(off, n int64, exclusive bool) (func(), error)
	saveMeta(m meta) error
	flush() error
	close() error
}

// layout is the chunk grid geometry of a dataset.
type layout struct {
	rows, cols int
	cr, cc     int
	isz        int
	gridRows   int
	gridCols   int
}

func newLayout(m meta) layout {
	rows, cols := extents(m.Shape)
	cr, cc := m.Chunk[0], 1
	if len(m.Chunk) == 2 {
		cc = m.Chunk[1]
	}
	return layout{
		rows: rows, cols: cols,
		cr: cr, cc: cc,
		isz:      m.DType.Size(),
		gridRows: (rows + cr - 1) / cr,
		gridCols: (cols + cc - 1) / cc,
	}
}

func (l layout) chunkBytes() int64 { return int64(l.cr) * int64(l.cc) * int64(l.isz) }

func (l layout) chunkOffset(gi, gj int) int64 {
	return int64(gi*l.gridCols+gj) * l.chunkBytes()
}

func (l layout) dataSize() int64 {
	return int64(l.gridRows) * int64(l.gridCols) * l.chunkBytes()
}

// dataset implements Dataset over any backend.
type dataset struct {
	name     string
	lay      layout
	be       backend
	readOnly bool

	mu   sync.RWMutex
	meta meta
}

func newDataset(name string, m meta, be backend, readOnly bool) *dataset {
	return &dataset{name: name, lay: newLayout(m), be: be, readOnly: readOnly, meta: m}
}

func (d *dataset) Name() string   { return d.name }
func (d *dataset) Shape() []int   { return append([]int(nil), d.meta.Shape...) }
func (d *dataset) Rows() int      { return d.lay.rows }
func (d *dataset) Cols() int      { return d.lay.cols }
func (d *dataset) DType() DType   { return d.meta.DType }
func (d *dataset) Chunk() []int   { return append([]int(nil), d.meta.Chunk...) }
func (d *dataset) String() string { return fmt.Sprintf("%s%v %s", d.name, d.meta.Shape, d.meta.DType) }

func (d *dataset) Attr(name string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.meta.Attrs[name]
	return v, ok
}

func (d *dataset) Attrs() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.meta.Attrs)
}

func (d *dataset) SetAttr(ctx context.Context, name string, v float64) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.meta
	next.Attrs = maps.Clone(d.meta.Attrs)
	if next.Attrs == nil {
		next.Attrs = make(map[string]float64)
	}
	next.Attrs[name] = v
	if err := d.be.saveMeta(next); err != nil {
		return fmt.Errorf("arraystore: set attr %s on %s: %w", name, d.name, err)
	}
	d.meta = next
	return nil
}

func (d *dataset) ReadFloat32(ctx context.Context, sel Hyperslab, dst []float32) error {
	switch d.meta.DType {
	case Float32:
		return d.read(ctx, sel, len(dst), func(at int, src []byte) {
			conv.Float32s(dst[at:at+len(src)/4], src)
		})
	case Float16:
		return d.read(ctx, sel, len(dst), func(at int, src []byte) {
			for i := 0; i < len(src)/2; i++ {
				dst[at+i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
			}
		})
	default:
		return fmt.Errorf("%w: read float32 from %s dataset %s", ErrDTypeMismatch, d.meta.DType, d.name)
	}
}

func (d *dataset) WriteFloat32(ctx context.Context, sel Hyperslab, src []float32) error {
	switch d.meta.DType {
	case Float32:
		return d.write(ctx, sel, len(src), func(dst []byte, at int) {
			conv.PutFloat32s(dst, src[at:at+len(dst)/4])
		})
	case Float16:
		return d.write(ctx, sel, len(src), func(dst []byte, at int) {
			for i := 0; i < len(dst)/2; i++ {
				binary.LittleEndian.PutUint16(dst[2*i:], float16.Fromfloat32(src[at+i]).Bits())
			}
		})
	default:
		return fmt.Errorf("%w: write float32 to %s dataset %s", ErrDTypeMismatch, d.meta.DType, d.name)
	}
}

func (d *dataset) ReadInt32(ctx context.Context, sel Hyperslab, dst []int32) error {
	if d.meta.DType != Int32 {
		return fmt.Errorf("%w: read int32 from %s dataset %s", ErrDTypeMismatch, d.meta.DType, d.name)
	}
	return d.read(ctx, sel, len(dst), func(at int, src []byte) {
		conv.Int32s(dst[at:at+len(src)/4], src)
	})
}

func (d *dataset) WriteInt32(ctx context.Context, sel Hyperslab, src []int32) error {
	if d.meta.DType != Int32 {
		return fmt.Errorf("%w: write int32 to %s dataset %s", ErrDTypeMismatch, d.meta.DType, d.name)
	}
	return d.write(ctx, sel, len(src), func(dst []byte, at int) {
		conv.PutInt32s(dst, src[at:at+len(dst)/4])
	})
}

func (d *dataset) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.be.flush()
}

func (d *dataset) Close() error { return d.be.close() }

func (d *dataset) check(sel Hyperslab, n int) error {
	l := d.lay
	if sel.Row < 0 || sel.Col < 0 || sel.Rows < 0 || sel.Cols < 0 ||
		sel.Row+sel.Rows > l.rows || sel.Col+sel.Cols > l.cols {
		return fmt.Errorf("%w: %s in %s of shape %v", ErrOutOfBounds, sel, d.name, d.meta.Shape)
	}
	if n != sel.Len() {
		return fmt.Errorf("arraystore: buffer holds %d elements, hyperslab %s selects %d", n, sel, sel.Len())
	}
	return nil
}

// read walks the chunks intersecting sel. For every selected row segment it
// calls dec with the element index in the caller's buffer and the raw bytes.
func (d *dataset) read(ctx context.Context, sel Hyperslab, n int, dec func(at int, src []byte)) error {
	if err := d.check(sel, n); err != nil {
		return err
	}
	if sel.Len() == 0 {
		return nil
	}

	l := d.lay
	rowBytes := l.cc * l.isz
	var scratch []byte

	for gi := sel.Row / l.cr; gi*l.cr < sel.Row+sel.Rows; gi++ {
		ra, rb := max(sel.Row, gi*l.cr), min(sel.Row+sel.Rows, (gi+1)*l.cr)
		for gj := sel.Col / l.cc; gj*l.cc < sel.Col+sel.Cols; gj++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			ca, cb := max(sel.Col, gj*l.cc), min(sel.Col+sel.Cols, (gj+1)*l.cc)

			off := l.chunkOffset(gi, gj) + int64((ra-gi*l.cr)*rowBytes)
			scratch = grow(scratch, (rb-ra)*rowBytes)

			unlock, err := d.be.lock(off, int64(len(scratch)), false)
			if err != nil {
				return fmt.Errorf("arraystore: lock %s: %w", d.name, err)
			}
			err = d.be.readAt(scratch, off)
			unlock()
			if err != nil {
				return fmt.Errorf("arraystore: read %s%s: %w", d.name, sel, err)
			}

			lo, hi := (ca-gj*l.cc)*l.isz, (cb-gj*l.cc)*l.isz
			for r := ra; r < rb; r++ {
				base := (r - ra) * rowBytes
				dec((r-sel.Row)*sel.Cols+(ca-sel.Col), scratch[base+lo:base+hi])
			}
		}
	}
	return nil
}

// write is the inverse of read. Chunk spans covered across their full valid
// width are written blind; narrower spans are read, patched and written back
// under an exclusive lock.
func (d *dataset) write(ctx context.Context, sel Hyperslab, n int, enc func(dst []byte, at int)) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if err := d.check(sel, n); err != nil {
		return err
	}
	if sel.Len() == 0 {
		return nil
	}

	l := d.lay
	rowBytes := l.cc * l.isz
	var scratch []byte

	for gi := sel.Row / l.cr; gi*l.cr < sel.Row+sel.Rows; gi++ {
		ra, rb := max(sel.Row, gi*l.cr), min(sel.Row+sel.Rows, (gi+1)*l.cr)
		for gj := sel.Col / l.cc; gj*l.cc < sel.Col+sel.Cols; gj++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			ca, cb := max(sel.Col, gj*l.cc), min(sel.Col+sel.Cols, (gj+1)*l.cc)
			valid := min(l.cc, l.cols-gj*l.cc)
			full := ca == gj*l.cc && cb == gj*l.cc+valid

			off := l.chunkOffset(gi, gj) + int64((ra-gi*l.cr)*rowBytes)
			scratch = grow(scratch, (rb-ra)*rowBytes)

			unlock, err := d.be.lock(off, int64(len(scratch)), true)
			if err != nil {
				return fmt.Errorf("arraystore: lock %s: %w", d.name, err)
			}
			if full {
				clear(scratch)
			} else if err := d.be.readAt(scratch, off); err != nil {
				unlock()
				return fmt.Errorf("arraystore: read %s%s: %w", d.name, sel, err)
			}

			lo, hi := (ca-gj*l.cc)*l.isz, (cb-gj*l.cc)*l.isz
			for r := ra; r < rb; r++ {
				base := (r - ra) * rowBytes
				enc(scratch[base+lo:base+hi], (r-sel.Row)*sel.Cols+(ca-sel.Col))
			}

			err = d.be.writeAt(scratch, off)
			unlock()
			if err != nil {
				return fmt.Errorf("arraystore: write %s%s: %w", d.name, sel, err)
			}
		}
	}
	return nil
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
