package tensor

import (
	"fmt"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// MatMul computes the matrix product of two 2D Float32 tensors.
// t1 is [m, k], t2 is [k, n] and the result is [m, n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	if t1.DType != Float32 {
		return nil, fmt.Errorf("MatMul only supports Float32 tensors")
	}

	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	m := t1.Shape[0]
	k := t1.Shape[1]
	k2 := t2.Shape[0]
	n := t2.Shape[1]

	if k != k2 {
		return nil, fmt.Errorf("incompatible shapes for MatMul: %v x %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros([]int{m, n}, Float32)
	if err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	out := result.Data.([]float32)

	// i/k/j loop order keeps the inner loop walking both b and out
	// contiguously.
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bRow := b[p*n : (p+1)*n]
			outRow := out[i*n : (i+1)*n]
			for j := range bRow {
				outRow[j] += av * bRow[j]
			}
		}
	}

	return result, nil
}

// Transpose swaps two dimensions of a tensor, copying data into the new layout
func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) || dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("transpose dimensions out of range: %d, %d for shape %v", dim0, dim1, t.Shape)
	}

	newShape := append([]int{}, t.Shape...)
	newShape[dim0], newShape[dim1] = newShape[dim1], newShape[dim0]

	result, err := Zeros(newShape, t.DType)
	if err != nil {
		return nil, err
	}

	for linear := 0; linear < t.NumElems; linear++ {
		indices := getIndicesFromLinear(linear, t.Shape)
		indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
		dstIdx := getIndex(indices, result.Strides)

		switch t.DType {
		case Float32:
			result.Data.([]float32)[dstIdx] = t.Data.([]float32)[linear]
		case Int32:
			result.Data.([]int32)[dstIdx] = t.Data.([]int32)[linear]
		default:
			return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
		}
	}

	return result, nil
}

// Reshape returns a tensor with a new shape that owns a copy of the data.
// Use the Reshape method on Tensor for a data-sharing view.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}

	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to shape %v", t.NumElems, newShape)
	}

	result, err := Zeros(newShape, t.DType)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		copy(result.Data.([]float32), t.Data.([]float32))
	case Int32:
		copy(result.Data.([]int32), t.Data.([]int32))
	default:
		return nil, fmt.Errorf("unsupported dtype for Reshape: %s", t.DType)
	}

	return result, nil
}

// Flatten collapses all dimensions into one
func Flatten(t *Tensor) (*Tensor, error) {
	return Reshape(t, []int{t.NumElems})
}

// Squeeze removes a dimension of size 1
func Squeeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("squeeze dimension %d out of range for shape %v", dim, t.Shape)
	}
	if t.Shape[dim] != 1 {
		return nil, fmt.Errorf("cannot squeeze dimension %d of size %d", dim, t.Shape[dim])
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	for i, d := range t.Shape {
		if i != dim {
			newShape = append(newShape, d)
		}
	}
	if len(newShape) == 0 {
		newShape = []int{1}
	}

	return Reshape(t, newShape)
}

// Unsqueeze inserts a dimension of size 1 at dim
func Unsqueeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("unsqueeze dimension %d out of range for shape %v", dim, t.Shape)
	}

	newShape := make([]int, 0, len(t.Shape)+1)
	newShape = append(newShape, t.Shape[:dim]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, t.Shape[dim:]...)

	return Reshape(t, newShape)
}

// Sum reduces a Float32 tensor along dim. With keepDim the reduced
// dimension remains with size 1, otherwise it is dropped.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sum only supports Float32 tensors")
	}
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("sum dimension %d out of range for shape %v", dim, t.Shape)
	}

	outShape := make([]int, 0, len(t.Shape))
	for i, d := range t.Shape {
		if i == dim {
			if keepDim {
				outShape = append(outShape, 1)
			}
			continue
		}
		outShape = append(outShape, d)
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}

	result, err := Zeros(outShape, Float32)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	reduce := t.Shape[dim]
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}

	for o := 0; o < outer; o++ {
		for r := 0; r < reduce; r++ {
			base := (o*reduce + r) * inner
			outBase := o * inner
			for i := 0; i < inner; i++ {
				out[outBase+i] += in[base+i]
			}
		}
	}

	return result, nil
}

// Mean reduces a Float32 tensor along dim by averaging
func Mean(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	summed, err := Sum(t, dim, keepDim)
	if err != nil {
		return nil, err
	}
	return Scale(summed, 1.0/float64(t.Shape[dim]))
}

// Concat joins Float32 tensors along dim. All tensors must share every
// other dimension.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("Concat requires at least one tensor")
	}

	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("concat dimension %d out of range for shape %v", dim, first.Shape)
	}

	concatDim := 0
	for _, t := range tensors {
		if t.DType != Float32 {
			return nil, fmt.Errorf("Concat only supports Float32 tensors")
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat rank mismatch: %v vs %v", first.Shape, t.Shape)
		}
		for i := range t.Shape {
			if i != dim && t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("concat shape mismatch at dim %d: %v vs %v", i, first.Shape, t.Shape)
			}
		}
		concatDim += t.Shape[dim]
	}

	outShape := append([]int{}, first.Shape...)
	outShape[dim] = concatDim

	result, err := Zeros(outShape, Float32)
	if err != nil {
		return nil, err
	}

	out := result.Data.([]float32)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= first.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(first.Shape); i++ {
		inner *= first.Shape[i]
	}

	offset := 0
	for _, t := range tensors {
		in := t.Data.([]float32)
		size := t.Shape[dim]
		for o := 0; o < outer; o++ {
			srcBase := o * size * inner
			dstBase := (o*concatDim + offset) * inner
			copy(out[dstBase:dstBase+size*inner], in[srcBase:srcBase+size*inner])
		}
		offset += size
	}

	return result, nil
}

// ArgMax returns the index of the largest value along the last dimension
// of a 2D Float32 tensor, as an Int32 tensor of shape [rows].
func ArgMax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ArgMax only supports Float32 tensors")
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgMax expects 2D input, got shape %v", t.Shape)
	}

	rows := t.Shape[0]
	cols := t.Shape[1]

	in := t.Data.([]float32)
	out := make([]int32, rows)

	for i := 0; i < rows; i++ {
		maxIdx := 0
		maxVal := in[i*cols]
		for j := 1; j < cols; j++ {
			if in[i*cols+j] > maxVal {
				maxVal = in[i*cols+j]
				maxIdx = j
			}
		}
		out[i] = int32(maxIdx)
	}

	return NewTensor([]int{rows}, Int32, out)
}
