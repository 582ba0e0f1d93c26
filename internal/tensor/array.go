package tensor

import (
	"fmt"
	"math"
)

// Array is a dense row-major float32 array.
// It is the framework-neutral representation every checkpoint value is
// converted into before a model binds it.
type Array struct {
	shape Shape
	data  []float32
}

// New wraps data in an Array of the given shape. The slice is not copied.
func New(shape Shape, data []float32) (*Array, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	return &Array{shape: shape.Clone(), data: data}, nil
}

// MustNew is like New but panics on error. Intended for tests and literals.
func MustNew(shape Shape, data []float32) *Array {
	a, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return a
}

// Zeros returns a zero-filled array.
func Zeros(shape Shape) *Array {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("zeros: %v", err))
	}
	return &Array{shape: shape.Clone(), data: make([]float32, shape.NumElements())}
}

// Shape returns the array's shape.
func (a *Array) Shape() Shape {
	return a.shape
}

// Data returns the underlying storage.
func (a *Array) Data() []float32 {
	return a.data
}

// NumElements returns the total number of elements.
func (a *Array) NumElements() int {
	return len(a.data)
}

// Rank returns the number of dimensions.
func (a *Array) Rank() int {
	return len(a.shape)
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	data := make([]float32, len(a.data))
	copy(data, a.data)
	return &Array{shape: a.shape.Clone(), data: data}
}

// Reshape returns a view with a new shape over the same storage.
// One dimension may be -1.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	resolved, err := Shape(shape).Resolve(len(a.data))
	if err != nil {
		return nil, err
	}
	return &Array{shape: resolved, data: a.data}, nil
}

// At returns the element at the given multi-dimensional index.
func (a *Array) At(idx ...int) float32 {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("at: expected %d indices, got %d", len(a.shape), len(idx)))
	}
	strides := a.shape.ComputeStrides()
	off := 0
	for i, v := range idx {
		if v < 0 || v >= a.shape[i] {
			panic(fmt.Sprintf("at: index %d out of range for dim %d (size %d)", v, i, a.shape[i]))
		}
		off += v * strides[i]
	}
	return a.data[off]
}

// Equal reports whether both arrays have the same shape and bitwise-equal values.
func (a *Array) Equal(b *Array) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for i := range a.data {
		if math.Float32bits(a.data[i]) != math.Float32bits(b.data[i]) {
			return false
		}
	}
	return true
}

// String returns a short description.
func (a *Array) String() string {
	return fmt.Sprintf("Array%v", []int(a.shape))
}

// Int64 is a dense row-major int64 array used for token and position ids.
type Int64 struct {
	shape Shape
	data  []int64
}

// NewInt64 wraps data in an Int64 array of the given shape.
func NewInt64(shape Shape, data []int64) (*Int64, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	return &Int64{shape: shape.Clone(), data: data}, nil
}

// Arange returns the 1-D sequence [start, end).
func Arange(start, end int64) *Int64 {
	if end <= start {
		panic(fmt.Sprintf("arange: empty range [%d, %d)", start, end))
	}
	data := make([]int64, 0, end-start)
	for v := start; v < end; v++ {
		data = append(data, v)
	}
	return &Int64{shape: Shape{len(data)}, data: data}
}

// Shape returns the array's shape.
func (a *Int64) Shape() Shape {
	return a.shape
}

// Data returns the underlying storage.
func (a *Int64) Data() []int64 {
	return a.data
}

// Reshape returns a view with a new shape. One dimension may be -1.
func (a *Int64) Reshape(shape ...int) (*Int64, error) {
	resolved, err := Shape(shape).Resolve(len(a.data))
	if err != nil {
		return nil, err
	}
	return &Int64{shape: resolved, data: a.data}, nil
}
