package patch

import (
	"errors"
	"fmt"

	"stesn/internal/grid"
)

var ErrBorderMode = errors.New("unsupported border mode")

// BorderMode selects how values beyond the grid edge are synthesized.
type BorderMode string

const (
	BorderMirror  BorderMode = "mirror"
	BorderPadding BorderMode = "padding"
	BorderEdge    BorderMode = "edge"
	BorderWrap    BorderMode = "wrap"
)

func ParseBorderMode(name string) (BorderMode, error) {
	switch mode := BorderMode(name); mode {
	case BorderMirror, BorderPadding, BorderEdge, BorderWrap:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q (want mirror|padding|edge|wrap)", ErrBorderMode, name)
	}
}

// source maps a padded coordinate i (may be negative or >= n) to the axis
// coordinate it copies from. ok is false when the value is a zero fill.
func (m BorderMode) source(i, n int) (int, bool) {
	if i >= 0 && i < n {
		return i, true
	}
	switch m {
	case BorderPadding:
		return 0, false
	case BorderEdge:
		if i < 0 {
			return 0, true
		}
		return n - 1, true
	case BorderWrap:
		return mod(i, n), true
	case BorderMirror:
		// Symmetric reflection repeats the edge value; the pattern has period 2n.
		r := mod(i, 2*n)
		if r >= n {
			r = 2*n - 1 - r
		}
		return r, true
	default:
		return 0, false
	}
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

// Pad extends the trailing spatialDims axes of t by width on both sides.
// Leading axes (series, time) are copied unchanged.
func Pad(t grid.Tensor, spatialDims, width int, mode BorderMode) (grid.Tensor, error) {
	if spatialDims <= 0 || spatialDims > t.Rank() {
		return grid.Tensor{}, fmt.Errorf("%w: cannot pad %d spatial axes of a rank %d tensor", grid.ErrShape, spatialDims, t.Rank())
	}
	if width < 0 {
		return grid.Tensor{}, fmt.Errorf("%w: negative pad width %d", grid.ErrShape, width)
	}
	if _, err := ParseBorderMode(string(mode)); err != nil {
		return grid.Tensor{}, err
	}
	lead := t.Rank() - spatialDims
	for axis := lead; axis < t.Rank(); axis++ {
		if t.Shape[axis] == 0 {
			return grid.Tensor{}, fmt.Errorf("%w: cannot pad empty axis %d", grid.ErrShape, axis)
		}
	}

	paddedShape := make([]int, t.Rank())
	copy(paddedShape, t.Shape)
	for axis := lead; axis < t.Rank(); axis++ {
		paddedShape[axis] += 2 * width
	}
	out := grid.NewTensor(paddedShape...)
	if out.Len() == 0 {
		return out, nil
	}

	srcStrides := t.Strides()
	idx := make([]int, len(paddedShape))
	for flat := range out.Data {
		rem := flat
		for axis := len(paddedShape) - 1; axis >= 0; axis-- {
			idx[axis] = rem % paddedShape[axis]
			rem /= paddedShape[axis]
		}

		srcOff := 0
		fill := true
		for axis, i := range idx {
			if axis < lead {
				srcOff += i * srcStrides[axis]
				continue
			}
			src, ok := mode.source(i-width, t.Shape[axis])
			if !ok {
				fill = false
				break
			}
			srcOff += src * srcStrides[axis]
		}
		if fill {
			out.Data[flat] = t.Data[srcOff]
		}
	}
	return out, nil
}
