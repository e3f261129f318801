package grid

import (
	"fmt"
)

// Tensor is a dense row-major float64 array.
type Tensor struct {
	Shape   []int     `json:"shape"`
	Data    []float64 `json:"data"`
	strides []int
}

func NewTensor(shape ...int) Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return Tensor{Shape: s, Data: make([]float64, size), strides: rowMajorStrides(s)}
}

// FromData wraps data without copying it.
func FromData(shape []int, data []float64) (Tensor, error) {
	size := 1
	for i, dim := range shape {
		if dim < 0 {
			return Tensor{}, fmt.Errorf("%w: dimension %d is negative", ErrShape, i)
		}
		size *= dim
	}
	if size != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShape, shape, size, len(data))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return Tensor{Shape: s, Data: data, strides: rowMajorStrides(s)}, nil
}

func (t Tensor) Rank() int { return len(t.Shape) }

func (t Tensor) Len() int { return len(t.Data) }

func (t Tensor) Strides() []int {
	if len(t.strides) == len(t.Shape) {
		return t.strides
	}
	return rowMajorStrides(t.Shape)
}

func (t Tensor) Offset(idx ...int) int {
	strides := t.Strides()
	off := 0
	for axis, i := range idx {
		off += i * strides[axis]
	}
	return off
}

func (t Tensor) At(idx ...int) float64 { return t.Data[t.Offset(idx...)] }

func (t Tensor) Set(v float64, idx ...int) { t.Data[t.Offset(idx...)] = v }

// Slice returns the sub-tensor at index i of the leading axis. It shares
// storage with t.
func (t Tensor) Slice(i int) Tensor {
	if len(t.Shape) == 0 {
		panic("grid: slice of scalar tensor")
	}
	inner := t.Shape[1:]
	size := 1
	for _, dim := range inner {
		size *= dim
	}
	sub, _ := FromData(inner, t.Data[i*size:(i+1)*size])
	return sub
}

func (t Tensor) Clone() Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	out, _ := FromData(t.Shape, data)
	return out
}
