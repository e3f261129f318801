package grid

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("invalid shape")

// Shape is the extent of an N-dimensional spatial grid.
type Shape []int

// Location addresses one cell of a Shape.
type Location []int

func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: at least one dimension is required", ErrShape)
	}
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("%w: dimension %d must be > 0, got %d", ErrShape, i, dim)
		}
	}
	return nil
}

// Size is the number of cells, prod(s).
func (s Shape) Size() int {
	size := 1
	for _, dim := range s {
		size *= dim
	}
	return size
}

func (s Shape) Equal(other []int) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Indexer maps locations to flat storage indices in row-major order: the
// last dimension varies fastest.
type Indexer struct {
	shape   Shape
	strides []int
}

func NewIndexer(shape Shape) (Indexer, error) {
	if err := shape.Validate(); err != nil {
		return Indexer{}, err
	}
	return Indexer{shape: shape.Clone(), strides: rowMajorStrides(shape)}, nil
}

func (ix Indexer) Shape() Shape { return ix.shape.Clone() }

func (ix Indexer) Size() int { return ix.shape.Size() }

func (ix Indexer) Index(loc Location) (int, error) {
	if len(loc) != len(ix.shape) {
		return 0, fmt.Errorf("%w: location rank %d does not match grid rank %d", ErrShape, len(loc), len(ix.shape))
	}
	idx := 0
	for axis, coord := range loc {
		if coord < 0 || coord >= ix.shape[axis] {
			return 0, fmt.Errorf("%w: coordinate %d out of range [0,%d) on axis %d", ErrShape, coord, ix.shape[axis], axis)
		}
		idx += coord * ix.strides[axis]
	}
	return idx, nil
}

func (ix Indexer) Location(index int) (Location, error) {
	if index < 0 || index >= ix.Size() {
		return nil, fmt.Errorf("%w: flat index %d out of range [0,%d)", ErrShape, index, ix.Size())
	}
	loc := make(Location, len(ix.shape))
	for axis, stride := range ix.strides {
		loc[axis] = index / stride
		index %= stride
	}
	return loc, nil
}

// Locations enumerates every cell by nested iteration over the axes, which
// is also ascending flat-index order.
func (ix Indexer) Locations() []Location {
	out := make([]Location, 0, ix.Size())
	for i := 0; i < ix.Size(); i++ {
		loc, _ := ix.Location(i)
		out = append(out, loc)
	}
	return out
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape[axis]
	}
	return strides
}
