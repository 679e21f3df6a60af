package tensor

import (
	"fmt"
)

// BroadcastShapes returns the shape two operands broadcast to, following
// NumPy rules: align trailing dimensions, each pair must be equal or one
// of them 1, missing leading dimensions count as 1.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 {
		return append([]int{}, shape2...), nil
	}
	if len(shape2) == 0 {
		return append([]int{}, shape1...), nil
	}

	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	result := make([]int, maxDims)

	for i := 0; i < maxDims; i++ {
		dim1 := 1
		dim2 := 1

		if idx := len(shape1) - 1 - i; idx >= 0 {
			dim1 = shape1[idx]
		}
		if idx := len(shape2) - 1 - i; idx >= 0 {
			dim2 = shape2[idx]
		}

		out := maxDims - 1 - i
		switch {
		case dim1 == dim2:
			result[out] = dim1
		case dim1 == 1:
			result[out] = dim2
		case dim2 == 1:
			result[out] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}

	return result, nil
}

// AreBroadcastable reports whether two shapes can be broadcast together
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// BroadcastTensor materializes t expanded to targetShape. Dimensions of
// size 1 are replicated; the result owns its data.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}

	if _, err := BroadcastShapes(t.Shape, targetShape); err != nil {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v: %w", t.Shape, targetShape, err)
	}

	result, err := Zeros(targetShape, t.DType)
	if err != nil {
		return nil, err
	}

	numDims := len(targetShape)
	srcDims := len(t.Shape)
	coords := make([]int, numDims)

	for dstIdx := 0; dstIdx < result.NumElems; dstIdx++ {
		remaining := dstIdx
		for i := numDims - 1; i >= 0; i-- {
			coords[i] = remaining % targetShape[i]
			remaining /= targetShape[i]
		}

		// Map target coordinates back into the source, collapsing
		// broadcast dimensions to index 0.
		srcIdx := 0
		srcStride := 1
		for i := numDims - 1; i >= 0; i-- {
			srcDimIdx := i - (numDims - srcDims)
			if srcDimIdx < 0 {
				break
			}

			srcDim := t.Shape[srcDimIdx]
			coord := coords[i]
			if srcDim == 1 {
				coord = 0
			}

			srcIdx += coord * srcStride
			srcStride *= srcDim
		}

		switch t.DType {
		case Float32:
			result.Data.([]float32)[dstIdx] = t.Data.([]float32)[srcIdx]
		case Int32:
			result.Data.([]int32)[dstIdx] = t.Data.([]int32)[srcIdx]
		default:
			return nil, fmt.Errorf("unsupported dtype for broadcasting: %s", t.DType)
		}
	}

	return result, nil
}

// BroadcastTensorsForOperation expands both tensors to their common
// broadcast shape so elementwise kernels can assume matching layouts.
func BroadcastTensorsForOperation(a, b *Tensor) (*Tensor, *Tensor, error) {
	broadcastShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("tensors cannot be broadcast together: %w", err)
	}

	aBroadcast, err := BroadcastTensor(a, broadcastShape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast first tensor: %w", err)
	}

	bBroadcast, err := BroadcastTensor(b, broadcastShape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast second tensor: %w", err)
	}

	return aBroadcast, bBroadcast, nil
}

// shapesEqual checks if two shapes are identical
func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
