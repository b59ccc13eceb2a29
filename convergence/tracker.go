package convergence

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrOutOfOrder is returned when iterations are not pushed consecutively.
var ErrOutOfOrder = errors.New("convergence: iterations must be pushed in order")

// Tracker is a fixed-capacity ring of exemplar indicator vectors, one per
// iteration. Bit i of a vector is set when point i flagged itself as an
// exemplar, i.e. R[i,i] + A[i,i] > 0.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	n      int
	window int

	ring  []*roaring.Bitmap
	last  int // iteration of the most recent push, -1 before the first
	count int
}

// New creates a tracker over n points with a window of convIter iterations.
func New(n, convIter int) (*Tracker, error) {
	if n < 0 || convIter < 1 {
		return nil, fmt.Errorf("convergence: invalid tracker n=%d window=%d", n, convIter)
	}
	return &Tracker{
		n:      n,
		window: convIter,
		ring:   make([]*roaring.Bitmap, convIter),
		last:   -1,
	}, nil
}

// Window returns the window length.
func (t *Tracker) Window() int { return t.window }

// Push records the indicator vector of iteration, which must follow the
// previously pushed one. The tracker keeps its own copy.
func (t *Tracker) Push(iteration int, flags *roaring.Bitmap) error {
	if t.last >= 0 && iteration != t.last+1 {
		return fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, iteration, t.last)
	}
	if flags == nil {
		flags = roaring.New()
	}
	if !flags.IsEmpty() && int(flags.Maximum()) >= t.n {
		return fmt.Errorf("convergence: flag %d outside %d points", flags.Maximum(), t.n)
	}
	t.ring[iteration%t.window] = flags.Clone()
	t.last = iteration
	t.count++
	return nil
}

// IsWindowFull reports whether a whole window of iterations has been pushed.
func (t *Tracker) IsWindowFull() bool { return t.count >= t.window }

// Iterations returns how many vectors have been pushed.
func (t *Tracker) Iterations() int { return t.count }

// Latest returns the most recent indicator vector, or an empty one.
func (t *Tracker) Latest() *roaring.Bitmap {
	if t.last < 0 {
		return roaring.New()
	}
	return t.ring[t.last%t.window]
}

// Oldest returns the oldest vector still inside the window.
func (t *Tracker) Oldest() *roaring.Bitmap {
	if t.last < 0 {
		return roaring.New()
	}
	if !t.IsWindowFull() {
		return t.ring[0]
	}
	return t.ring[(t.last+1)%t.window]
}

// K returns the number of exemplars in the latest vector.
func (t *Tracker) K() int { return int(t.Latest().GetCardinality()) }

// Unstable returns the points whose indicator changed inside the window.
func (t *Tracker) Unstable() *roaring.Bitmap {
	vs := t.filled()
	if len(vs) == 0 {
		return roaring.New()
	}
	return roaring.AndNot(roaring.FastOr(vs...), roaring.FastAnd(vs...))
}

// Stable reports whether point i kept the same indicator across a full
// window.
func (t *Tracker) Stable(i uint32) bool {
	if !t.IsWindowFull() {
		return false
	}
	want := t.ring[0].Contains(i)
	for _, v := range t.ring[1:] {
		if v.Contains(i) != want {
			return false
		}
	}
	return true
}

// Converged reports whether the window is full, no point flipped inside it
// and at least one exemplar exists.
func (t *Tracker) Converged() bool {
	if !t.IsWindowFull() || t.K() == 0 {
		return false
	}
	return roaring.FastAnd(t.ring...).Equals(roaring.FastOr(t.ring...))
}

func (t *Tracker) filled() []*roaring.Bitmap {
	out := make([]*roaring.Bitmap, 0, t.window)
	for _, v := range t.ring {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}
