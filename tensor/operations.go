package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}

	if len(shape1) != len(shape2) {
		return nil, fmt.Errorf("tensor shapes must have same number of dimensions: %v vs %v", shape1, shape2)
	}

	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
		}
	}

	return shape1, nil
}

// Add computes elementwise t1 + t2. Shapes must match exactly; use
// AddAutograd for broadcasting with gradient support.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		a := t1.Data.([]float32)
		b := t2.Data.([]float32)
		out := result.Data.([]float32)
		for i := range out {
			out[i] = a[i] + b[i]
		}
	case Int32:
		a := t1.Data.([]int32)
		b := t2.Data.([]int32)
		out := result.Data.([]int32)
		for i := range out {
			out[i] = a[i] + b[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Add: %s", t1.DType)
	}

	return result, nil
}

// Sub computes elementwise t1 - t2
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		a := t1.Data.([]float32)
		b := t2.Data.([]float32)
		out := result.Data.([]float32)
		for i := range out {
			out[i] = a[i] - b[i]
		}
	case Int32:
		a := t1.Data.([]int32)
		b := t2.Data.([]int32)
		out := result.Data.([]int32)
		for i := range out {
			out[i] = a[i] - b[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Sub: %s", t1.DType)
	}

	return result, nil
}

// Mul computes elementwise t1 * t2
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		a := t1.Data.([]float32)
		b := t2.Data.([]float32)
		out := result.Data.([]float32)
		for i := range out {
			out[i] = a[i] * b[i]
		}
	case Int32:
		a := t1.Data.([]int32)
		b := t2.Data.([]int32)
		out := result.Data.([]int32)
		for i := range out {
			out[i] = a[i] * b[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Mul: %s", t1.DType)
	}

	return result, nil
}

// Div computes elementwise t1 / t2 and fails on division by zero
func Div(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		a := t1.Data.([]float32)
		b := t2.Data.([]float32)
		out := result.Data.([]float32)
		for i := range out {
			if b[i] == 0 {
				return nil, fmt.Errorf("division by zero at index %d", i)
			}
			out[i] = a[i] / b[i]
		}
	case Int32:
		a := t1.Data.([]int32)
		b := t2.Data.([]int32)
		out := result.Data.([]int32)
		for i := range out {
			if b[i] == 0 {
				return nil, fmt.Errorf("division by zero at index %d", i)
			}
			out[i] = a[i] / b[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Div: %s", t1.DType)
	}

	return result, nil
}

// Scale multiplies every element by a scalar
func Scale(t *Tensor, factor float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Scale only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)
	f := float32(factor)
	for i := range out {
		out[i] = in[i] * f
	}

	return result, nil
}

// ReLU computes elementwise max(0, x)
func ReLU(t *Tensor) (*Tensor, error) {
	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		in := t.Data.([]float32)
		out := result.Data.([]float32)
		for i := range out {
			if in[i] > 0 {
				out[i] = in[i]
			}
		}
	case Int32:
		in := t.Data.([]int32)
		out := result.Data.([]int32)
		for i := range out {
			if in[i] > 0 {
				out[i] = in[i]
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for ReLU: %s", t.DType)
	}

	return result, nil
}

// Sigmoid computes elementwise 1 / (1 + exp(-x))
func Sigmoid(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sigmoid only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		out[i] = float32(1.0 / (1.0 + math.Exp(-float64(in[i]))))
	}

	return result, nil
}

// Tanh computes elementwise hyperbolic tangent
func Tanh(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Tanh only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		out[i] = float32(math.Tanh(float64(in[i])))
	}

	return result, nil
}

// Exp computes elementwise e^x
func Exp(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Exp only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		out[i] = float32(math.Exp(float64(in[i])))
	}

	return result, nil
}

// Log computes elementwise natural logarithm and fails on non-positive input
func Log(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Log only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		if in[i] <= 0 {
			return nil, fmt.Errorf("Log of non-positive value %f at index %d", in[i], i)
		}
		out[i] = float32(math.Log(float64(in[i])))
	}

	return result, nil
}

// Sqrt computes elementwise square root. Negative inputs produce NaN.
func Sqrt(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sqrt only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		out[i] = float32(math.Sqrt(float64(in[i])))
	}

	return result, nil
}

// Softmax applies row-wise softmax to a 2D tensor of logits. The max is
// subtracted per row before exponentiation for numerical stability.
func Softmax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Softmax only supports Float32 tensors")
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Softmax expects 2D input [batch_size, classes], got shape %v", t.Shape)
	}

	rows := t.Shape[0]
	cols := t.Shape[1]

	in := t.Data.([]float32)
	out := make([]float32, len(in))

	for i := 0; i < rows; i++ {
		offset := i * cols

		maxVal := in[offset]
		for j := 1; j < cols; j++ {
			if in[offset+j] > maxVal {
				maxVal = in[offset+j]
			}
		}

		var sum float32
		for j := 0; j < cols; j++ {
			e := float32(math.Exp(float64(in[offset+j] - maxVal)))
			out[offset+j] = e
			sum += e
		}

		for j := 0; j < cols; j++ {
			out[offset+j] /= sum
		}
	}

	return NewTensor(t.Shape, Float32, out)
}
