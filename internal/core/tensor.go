// internal/core/tensor.go
package core

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned when two tensors cannot be combined.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor - dense row-major float64 tensor. Two dimensional tensors can be
// viewed as gonum matrices without copying.
type Tensor struct {
	Data   []float64
	Shape  []int
	Stride []int
}

// NewTensor - allocates a zero tensor with the given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	stride := make([]int, len(shape))
	currentStride := 1

	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = currentStride
		size *= shape[i]
		currentStride *= shape[i]
	}

	return &Tensor{
		Data:   make([]float64, size),
		Shape:  append([]int(nil), shape...),
		Stride: stride,
	}
}

// FromData wraps data without copying. len(data) must match the shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	t := &Tensor{Shape: append([]int(nil), shape...)}
	t.Stride = make([]int, len(shape))
	size := 1
	for i := len(shape) - 1; i >= 0; i-- {
		t.Stride[i] = size
		size *= shape[i]
	}
	if size != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	t.Data = data
	return t, nil
}

func (t *Tensor) Size() int {
	return len(t.Data)
}

func (t *Tensor) Rows() int {
	return t.Shape[0]
}

func (t *Tensor) Cols() int {
	return t.Shape[1]
}

// Row returns row i of a 2D tensor, sharing storage.
func (t *Tensor) Row(i int) []float64 {
	start := i * t.Stride[0]
	return t.Data[start : start+t.Shape[1]]
}

// Dense - gonum view over a 2D tensor; writes through the view land in t.Data
func (t *Tensor) Dense() *mat.Dense {
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Data:   make([]float64, len(t.Data)),
		Shape:  append([]int(nil), t.Shape...),
		Stride: append([]int(nil), t.Stride...),
	}
	copy(c.Data, t.Data)
	return c
}

func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// AddInPlace - t += other
func (t *Tensor) AddInPlace(other *Tensor) error {
	if !t.SameShape(other) {
		return fmt.Errorf("%w: %v + %v", ErrShapeMismatch, t.Shape, other.Shape)
	}
	floats.Add(t.Data, other.Data)
	return nil
}

// AddScaledInPlace - t += alpha * other
func (t *Tensor) AddScaledInPlace(alpha float64, other *Tensor) error {
	if !t.SameShape(other) {
		return fmt.Errorf("%w: %v + a*%v", ErrShapeMismatch, t.Shape, other.Shape)
	}
	floats.AddScaled(t.Data, alpha, other.Data)
	return nil
}

func (t *Tensor) Scale(c float64) {
	floats.Scale(c, t.Data)
}

func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Norm - L2 norm of all elements
func (t *Tensor) Norm() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return floats.Norm(t.Data, 2)
}

// IsFinite reports whether no element is NaN or Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MatMul - a @ b
func MatMul(a, b *Tensor) (*Tensor, error) {
	if err := require2D(a, b); err != nil {
		return nil, err
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("%w: %v @ %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := NewTensor(a.Shape[0], b.Shape[1])
	out.Dense().Mul(a.Dense(), b.Dense())
	return out, nil
}

// MatMulT - a @ bᵀ
func MatMulT(a, b *Tensor) (*Tensor, error) {
	if err := require2D(a, b); err != nil {
		return nil, err
	}
	if a.Shape[1] != b.Shape[1] {
		return nil, fmt.Errorf("%w: %v @ %vᵀ", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := NewTensor(a.Shape[0], b.Shape[0])
	out.Dense().Mul(a.Dense(), b.Dense().T())
	return out, nil
}

// TMatMul - aᵀ @ b
func TMatMul(a, b *Tensor) (*Tensor, error) {
	if err := require2D(a, b); err != nil {
		return nil, err
	}
	if a.Shape[0] != b.Shape[0] {
		return nil, fmt.Errorf("%w: %vᵀ @ %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := NewTensor(a.Shape[1], b.Shape[1])
	out.Dense().Mul(a.Dense().T(), b.Dense())
	return out, nil
}

// GlobalNorm - joint L2 norm over every non-nil tensor. Per-tensor norms are
// combined with Hypot so large finite values do not overflow.
func GlobalNorm(ts []*Tensor) float64 {
	norm := 0.0
	for _, t := range ts {
		if t == nil {
			continue
		}
		norm = math.Hypot(norm, t.Norm())
	}
	return norm
}

// ClipByGlobalNorm rescales every non-nil tensor by maxNorm/norm when the joint
// norm exceeds maxNorm. It returns the norm measured before clipping.
func ClipByGlobalNorm(ts []*Tensor, maxNorm float64) (float64, bool) {
	norm := GlobalNorm(ts)
	if norm <= maxNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm, false
	}

	scale := maxNorm / norm
	for _, t := range ts {
		if t != nil {
			t.Scale(scale)
		}
	}
	return norm, true
}

func require2D(ts ...*Tensor) error {
	for _, t := range ts {
		if len(t.Shape) != 2 {
			return fmt.Errorf("matmul requires 2D tensors, got %v", t.Shape)
		}
		if t.Shape[0] == 0 || t.Shape[1] == 0 {
			return fmt.Errorf("matmul requires non-empty tensors, got %v", t.Shape)
		}
	}
	return nil
}
