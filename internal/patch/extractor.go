package patch

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"stesn/internal/grid"
)

var ErrFilter = errors.New("invalid filter")

// Extractor slices the centered neighborhood of a location out of a tensor
// that has already been padded by Width() on every spatial axis.
type Extractor struct {
	filterSize  int
	width       int
	stride      int
	spatialDims int
	offsets     []int
}

func NewExtractor(filterSize, stride, spatialDims int) (Extractor, error) {
	if filterSize < 1 || filterSize%2 == 0 {
		return Extractor{}, fmt.Errorf("%w: filter size must be an odd number >= 1, got %d", ErrFilter, filterSize)
	}
	if stride < 1 {
		return Extractor{}, fmt.Errorf("%w: stride must be >= 1, got %d", ErrFilter, stride)
	}
	if spatialDims < 1 {
		return Extractor{}, fmt.Errorf("%w: at least one spatial dimension is required", ErrFilter)
	}

	width := (filterSize - 1) / 2
	// Offsets start at -width; with stride > 1 the window may stop short of +width.
	var offsets []int
	for o := -width; o <= width; o += stride {
		offsets = append(offsets, o)
	}
	return Extractor{
		filterSize:  filterSize,
		width:       width,
		stride:      stride,
		spatialDims: spatialDims,
		offsets:     offsets,
	}, nil
}

func (e Extractor) Width() int { return e.width }

func (e Extractor) FilterSize() int { return e.filterSize }

func (e Extractor) Stride() int { return e.stride }

// Features is ceil(filterSize/stride)^spatialDims.
func (e Extractor) Features() int {
	n := 1
	for i := 0; i < e.spatialDims; i++ {
		n *= len(e.offsets)
	}
	return n
}

// Window returns a (time x features) matrix for loc, given in unpadded
// coordinates, from padded which is shaped (time, *paddedGrid). Features
// are ordered row-major over the window offsets.
func (e Extractor) Window(padded grid.Tensor, loc grid.Location) (*mat.Dense, error) {
	if padded.Rank() != e.spatialDims+1 {
		return nil, fmt.Errorf("%w: window source must have rank %d, got %d", grid.ErrShape, e.spatialDims+1, padded.Rank())
	}
	if len(loc) != e.spatialDims {
		return nil, fmt.Errorf("%w: location rank %d does not match %d spatial dims", grid.ErrShape, len(loc), e.spatialDims)
	}
	for axis, coord := range loc {
		if coord < 0 || coord+2*e.width >= padded.Shape[axis+1] {
			return nil, fmt.Errorf("%w: location %v outside padded grid %v", grid.ErrShape, loc, padded.Shape[1:])
		}
	}

	steps := padded.Shape[0]
	features := e.Features()
	strides := padded.Strides()

	// Offsets within one time frame are identical for every step.
	frameOffsets := make([]int, 0, features)
	counter := make([]int, e.spatialDims)
	for f := 0; f < features; f++ {
		off := 0
		for axis := 0; axis < e.spatialDims; axis++ {
			centre := loc[axis] + e.width
			off += (centre + e.offsets[counter[axis]]) * strides[axis+1]
		}
		frameOffsets = append(frameOffsets, off)
		for axis := e.spatialDims - 1; axis >= 0; axis-- {
			counter[axis]++
			if counter[axis] < len(e.offsets) {
				break
			}
			counter[axis] = 0
		}
	}

	if steps == 0 {
		return nil, fmt.Errorf("%w: window source has no time steps", grid.ErrShape)
	}
	out := mat.NewDense(steps, features, nil)
	row := make([]float64, features)
	for t := 0; t < steps; t++ {
		base := t * strides[0]
		for f, off := range frameOffsets {
			row[f] = padded.Data[base+off]
		}
		out.SetRow(t, row)
	}
	return out, nil
}

// Target returns the series of output, shaped (time, *grid), at loc.
func Target(output grid.Tensor, loc grid.Location) ([]float64, error) {
	if output.Rank() != len(loc)+1 {
		return nil, fmt.Errorf("%w: target source must have rank %d, got %d", grid.ErrShape, len(loc)+1, output.Rank())
	}
	strides := output.Strides()
	off := 0
	for axis, coord := range loc {
		if coord < 0 || coord >= output.Shape[axis+1] {
			return nil, fmt.Errorf("%w: location %v outside grid %v", grid.ErrShape, loc, output.Shape[1:])
		}
		off += coord * strides[axis+1]
	}
	steps := output.Shape[0]
	out := make([]float64, steps)
	for t := 0; t < steps; t++ {
		out[t] = output.Data[t*strides[0]+off]
	}
	return out, nil
}
