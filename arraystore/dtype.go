package arraystore

import (
	"fmt"
)

// DType is the element type of a dataset.
type DType uint8

const (
	// Float32 holds similarity, responsibility and availability values.
	Float32 DType = iota + 1
	// Float16 is a compact on-disk form of a similarity matrix. Values are
	// widened to float32 on read and rounded on write.
	Float16
	// Int32 holds labels and exemplar indices.
	Int32
)

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// IsFloat reports whether values are exposed as float32.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float16
}

// MarshalText implements encoding.TextMarshaler.
func (d DType) MarshalText() ([]byte, error) {
	if d.Size() == 0 {
		return nil, fmt.Errorf("arraystore: invalid dtype %d", uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "float32":
		*d = Float32
	case "float16":
		*d = Float16
	case "int32":
		*d = Int32
	default:
		return fmt.Errorf("arraystore: unknown dtype %q", b)
	}
	return nil
}

// Hyperslab selects a sub-rectangle of a dataset. One-dimensional datasets
// are addressed as a single column.
type Hyperslab struct {
	Row, Col   int
	Rows, Cols int
}

// Len returns the number of selected elements.
func (h Hyperslab) Len() int { return h.Rows * h.Cols }

func (h Hyperslab) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d]", h.Row, h.Row+h.Rows, h.Col, h.Col+h.Cols)
}

// RowBlock selects rows [row, row+rows) across all cols columns.
func RowBlock(row, rows, cols int) Hyperslab {
	return Hyperslab{Row: row, Rows: rows, Cols: cols}
}

// ColBlock selects columns [col, col+cols) across all rows rows.
func ColBlock(col, cols, rows int) Hyperslab {
	return Hyperslab{Col: col, Cols: cols, Rows: rows}
}

// Range selects elements [off, off+n) of a one-dimensional dataset.
func Range(off, n int) Hyperslab {
	return Hyperslab{Row: off, Rows: n, Cols: 1}
}
