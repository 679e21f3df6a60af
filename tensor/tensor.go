package tensor

import (
	"fmt"
)

// DType represents the data type of tensor elements
type DType int

const (
	Float32 DType = iota
	Int32
)

func (dt DType) String() string {
	switch dt {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is implemented by every differentiable operation. Forward
// computes the result tensor, Backward maps the incoming gradient to one
// gradient per input, in input order. Inputs returns the tensors the
// operation was applied to so the graph can be walked in reverse.
type Operation interface {
	Forward(inputs ...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

// Tensor is a dense n-dimensional array with optional gradient tracking.
// Data holds a flat []float32 or []int32 in row-major order.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     interface{}
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

// RequiresGrad returns true if the tensor participates in gradient computation
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad enables or disables gradient tracking for this tensor
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been computed
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient
func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

// Creator returns the operation that produced this tensor, or nil for leaves
func (t *Tensor) Creator() Operation {
	return t.creator
}

// setCreator records the producing operation and marks the tensor as
// requiring gradients so the backward pass reaches it.
func (t *Tensor) setCreator(op Operation) {
	t.creator = op
	t.requiresGrad = true
}

// Detach returns a view of the tensor that shares data but is cut out of
// the computation graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int{}, t.Shape...),
		Strides:  append([]int{}, t.Strides...),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// calculateStrides computes row-major strides for a shape
func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	strides[len(shape)-1] = 1

	for i := len(shape) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * shape[i+1]
	}

	return strides
}

// calculateNumElements computes the total number of elements for a shape
func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 1 // scalar
	}

	num := 1
	for _, dim := range shape {
		num *= dim
	}
	return num
}

// validateShape checks that all dimensions are positive
func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension %d at index %d: dimensions must be positive", dim, i)
		}
	}
	return nil
}
