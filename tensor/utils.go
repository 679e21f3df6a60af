package tensor

import (
	"fmt"
	"strings"
)

// Reshape returns a view with a new shape that shares the underlying
// data. One dimension may be -1 and is inferred from the element count.
// The view is detached from the computation graph; use ReshapeAutograd
// when gradients must flow through the reshape.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	resolved, err := resolveReshape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		Shape:    resolved,
		Strides:  calculateStrides(resolved),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// resolveReshape validates a requested shape against an element count,
// filling in at most one -1 dimension.
func resolveReshape(numElems int, newShape []int) ([]int, error) {
	resolved := append([]int{}, newShape...)

	known := 1
	negIdx := -1
	for i, dim := range resolved {
		switch {
		case dim == -1:
			if negIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}

	if negIdx >= 0 {
		if known == 0 || numElems%known != 0 {
			return nil, fmt.Errorf("cannot infer -1 dimension: %d elements not divisible by %d", numElems, known)
		}
		resolved[negIdx] = numElems / known
		known *= resolved[negIdx]
	}

	if known != numElems {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to shape %v", numElems, newShape)
	}

	return resolved, nil
}

// Clone returns a deep copy of the tensor. The copy keeps requiresGrad
// but not the gradient or creator.
func (t *Tensor) Clone() (*Tensor, error) {
	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		copy(result.Data.([]float32), t.Data.([]float32))
	case Int32:
		copy(result.Data.([]int32), t.Data.([]int32))
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	result.requiresGrad = t.requiresGrad
	return result, nil
}

// GetFloat32Data returns the backing slice of a Float32 tensor
func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

// GetInt32Data returns the backing slice of an Int32 tensor
func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// Item returns the value of a single-element tensor
func (t *Tensor) Item() (interface{}, error) {
	if t.NumElems != 1 {
		return nil, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}

	switch t.DType {
	case Float32:
		return t.Data.([]float32)[0], nil
	case Int32:
		return t.Data.([]int32)[0], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

// At returns the element at the given multi-dimensional index
func (t *Tensor) At(indices ...int) (interface{}, error) {
	idx, err := t.linearIndex(indices)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		return t.Data.([]float32)[idx], nil
	case Int32:
		return t.Data.([]int32)[idx], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for At: %s", t.DType)
	}
}

// SetAt writes the element at the given multi-dimensional index
func (t *Tensor) SetAt(value interface{}, indices ...int) error {
	idx, err := t.linearIndex(indices)
	if err != nil {
		return err
	}

	switch t.DType {
	case Float32:
		v, ok := value.(float32)
		if !ok {
			return fmt.Errorf("Float32 tensor requires float32 value, got %T", value)
		}
		t.Data.([]float32)[idx] = v
	case Int32:
		v, ok := value.(int32)
		if !ok {
			return fmt.Errorf("Int32 tensor requires int32 value, got %T", value)
		}
		t.Data.([]int32)[idx] = v
	default:
		return fmt.Errorf("unsupported dtype for SetAt: %s", t.DType)
	}

	return nil
}

// linearIndex converts a multi-dimensional index into a flat offset
func (t *Tensor) linearIndex(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}

	idx := 0
	for i, index := range indices {
		if index < 0 || index >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d (size %d)", index, i, t.Shape[i])
		}
		idx += index * t.Strides[i]
	}
	return idx, nil
}

// Size returns the size of the given dimension
func (t *Tensor) Size(dim int) (int, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return 0, fmt.Errorf("dimension %d out of range for shape %v", dim, t.Shape)
	}
	return t.Shape[dim], nil
}

// Numel returns the total number of elements
func (t *Tensor) Numel() int {
	return t.NumElems
}

// Dim returns the number of dimensions
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports whether two tensors have identical shape, dtype, and data
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false
	}

	switch t.DType {
	case Float32:
		a := t.Data.([]float32)
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case Int32:
		a := t.Data.([]int32)
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	default:
		return false
	}

	return true
}

// String returns a compact description of the tensor
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor(shape=%v, dtype=%s", t.Shape, t.DType)
	if t.requiresGrad {
		b.WriteString(", requires_grad=true")
	}
	b.WriteString(")")
	return b.String()
}

// ZeroGrad clears the gradients of all given tensors
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
