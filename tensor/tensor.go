// Package tensor provides the dense float64 arrays the trainers pass around.
// Spatial data is laid out channels-last: [N, H, W, C] for plain samples and
// [N, T, H, W, C] for samples carrying a time window.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Tensor is an n-d array backed by a flat, row-major []float64.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, calculateNumElements(shape)),
	}
}

// FromData wraps data (without copying) in a tensor of the given shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Full allocates a tensor filled with value.
func Full(value float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// ZerosLike allocates a zero tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.Data) }

// Dim returns the number of axes.
func (t *Tensor) Dim() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Reshape returns a tensor sharing t's data under a new shape. One
// dimension may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	newShape := append([]int(nil), shape...)
	known := 1
	inferIdx := -1
	for i, dim := range newShape {
		switch {
		case dim == -1:
			if inferIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}
	if inferIdx >= 0 {
		if len(t.Data)%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into %v", len(t.Data), shape)
		}
		newShape[inferIdx] = len(t.Data) / known
		known *= newShape[inferIdx]
	}
	if known != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", len(t.Data), newShape, known)
	}
	return &Tensor{Shape: newShape, Data: t.Data}, nil
}

// Dims4 returns the axes of a 4-D tensor.
func (t *Tensor) Dims4() (n, h, w, c int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected 4-D tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Strides returns the row-major strides of t.
func (t *Tensor) Strides() []int { return calculateStrides(t.Shape) }

// SampleSize is the number of elements per entry along the leading axis.
func (t *Tensor) SampleSize() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return len(t.Data) / t.Shape[0]
}

// Sample returns a view of entry i along the leading axis, keeping the axis
// with length one.
func (t *Tensor) Sample(i int) *Tensor {
	size := t.SampleSize()
	shape := append([]int{1}, t.Shape[1:]...)
	return &Tensor{Shape: shape, Data: t.Data[i*size : (i+1)*size]}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 { return floats.Sum(t.Data) }

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return floats.Sum(t.Data) / float64(len(t.Data))
}

// Scale multiplies every element by s in place and returns t.
func (t *Tensor) Scale(s float64) *Tensor {
	floats.Scale(s, t.Data)
	return t
}

// AddInPlace adds o into t element-wise.
func (t *Tensor) AddInPlace(o *Tensor) error {
	if !SameShape(t, o) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, o.Shape)
	}
	floats.Add(t.Data, o.Data)
	return nil
}

// Sub returns a-b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	floats.SubTo(out.Data, a.Data, b.Data)
	return out, nil
}

// IsFinite reports whether every element is neither NaN nor infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
