package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor with the given shape and dtype. When data is
// nil the tensor is allocated zero-filled; otherwise data must be a slice
// of the matching element type with exactly NumElems entries, or a single
// scalar that is broadcast to every element.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int{}, shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if data == nil {
		t.allocate()
		return t, nil
	}

	if err := t.setData(data); err != nil {
		return nil, err
	}
	return t, nil
}

// allocate backs the tensor with a zero-filled slice
func (t *Tensor) allocate() {
	switch t.DType {
	case Float32:
		t.Data = make([]float32, t.NumElems)
	case Int32:
		t.Data = make([]int32, t.NumElems)
	}
}

// setData validates and installs the backing data slice
func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			filled := make([]float32, t.NumElems)
			for i := range filled {
				filled[i] = d
			}
			t.Data = filled
		case float64:
			filled := make([]float32, t.NumElems)
			for i := range filled {
				filled[i] = float32(d)
			}
			t.Data = filled
		default:
			return fmt.Errorf("Float32 tensor requires []float32 data, got %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			filled := make([]int32, t.NumElems)
			for i := range filled {
				filled[i] = d
			}
			t.Data = filled
		case int:
			filled := make([]int32, t.NumElems)
			for i := range filled {
				filled[i] = int32(d)
			}
			t.Data = filled
		default:
			return fmt.Errorf("Int32 tensor requires []int32 data, got %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// SetData replaces the tensor's backing data in place. The new data must
// be a slice of the matching element type with exactly NumElems entries.
// Optimizers use this to update parameters without breaking aliases held
// by modules.
func (t *Tensor) SetData(data interface{}) error {
	if data == nil {
		return fmt.Errorf("cannot set nil data")
	}
	switch t.DType {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("Float32 tensor requires []float32 data, got %T", data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		copy(t.Data.([]float32), d)
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("Int32 tensor requires []int32 data, got %T", data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		copy(t.Data.([]int32), d)
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// Zeros creates a zero-filled tensor
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, nil)
}

// Ones creates a tensor filled with ones
func Ones(shape []int, dtype DType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, float32(1))
	case Int32:
		return NewTensor(shape, dtype, int32(1))
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

// Full creates a tensor where every element equals value
func Full(shape []int, dtype DType, value float64) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, float32(value))
	case Int32:
		return NewTensor(shape, dtype, int32(value))
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

// Random creates a Float32 tensor with values drawn uniformly from
// [0, 1) using the supplied source. A nil rng falls back to the shared
// package-level source.
func Random(shape []int, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	n := calculateNumElements(shape)
	data := make([]float32, n)
	for i := range data {
		if rng != nil {
			data[i] = rng.Float32()
		} else {
			data[i] = rand.Float32()
		}
	}

	return NewTensor(shape, Float32, data)
}

// RandomNormal creates a Float32 tensor with values drawn from a normal
// distribution with the given mean and standard deviation.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	n := calculateNumElements(shape)
	data := make([]float32, n)
	for i := range data {
		var sample float64
		if rng != nil {
			sample = rng.NormFloat64()
		} else {
			sample = rand.NormFloat64()
		}
		data[i] = mean + std*float32(sample)
	}

	return NewTensor(shape, Float32, data)
}

// FromScalar creates a single-element tensor holding value
func FromScalar(value float64, dtype DType) *Tensor {
	var t *Tensor
	switch dtype {
	case Int32:
		t, _ = NewTensor([]int{1}, Int32, []int32{int32(value)})
	default:
		t, _ = NewTensor([]int{1}, Float32, []float32{float32(value)})
	}
	return t
}
