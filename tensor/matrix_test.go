package tensor

import (
	"math"
	"testing"
)

func TestMatMul(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, Float32, []float32{7, 8, 9, 10, 11, 12})

	result, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}

	if !shapesEqual(result.Shape, []int{2, 2}) {
		t.Fatalf("expected shape [2 2], got %v", result.Shape)
	}

	expected := []float32{58, 64, 139, 154}
	for i, v := range result.Data.([]float32) {
		if math.Abs(float64(v-expected[i])) > 1e-5 {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestMatMulIdentity(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	identity, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 0, 0, 1})

	result, err := MatMul(a, identity)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}

	if !result.Equal(a) {
		t.Error("multiplying by identity should preserve the matrix")
	}
}

func TestMatMulDimensionMismatch(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, nil)
	b, _ := NewTensor([]int{2, 3}, Float32, nil)

	if _, err := MatMul(a, b); err == nil {
		t.Error("expected error for inner dimension mismatch")
	}
}

func TestTranspose(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	result, err := Transpose(a, 0, 1)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}

	if !shapesEqual(result.Shape, []int{3, 2}) {
		t.Fatalf("expected shape [3 2], got %v", result.Shape)
	}

	expected := []float32{1, 4, 2, 5, 3, 6}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestReshapeView(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	view, err := a.Reshape([]int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}

	if !shapesEqual(view.Shape, []int{3, 2}) {
		t.Fatalf("expected shape [3 2], got %v", view.Shape)
	}

	// View shares data with the source.
	view.Data.([]float32)[0] = 99
	if a.Data.([]float32)[0] != 99 {
		t.Error("reshaped view should share the backing array")
	}
}

func TestReshapeInferredDimension(t *testing.T) {
	a, _ := NewTensor([]int{2, 3, 4}, Float32, nil)

	view, err := a.Reshape([]int{2, -1})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !shapesEqual(view.Shape, []int{2, 12}) {
		t.Errorf("expected shape [2 12], got %v", view.Shape)
	}

	if _, err := a.Reshape([]int{-1, -1}); err == nil {
		t.Error("expected error for multiple inferred dimensions")
	}
	if _, err := a.Reshape([]int{5, -1}); err == nil {
		t.Error("expected error when elements do not divide evenly")
	}
}

func TestSum(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	tests := []struct {
		name     string
		dim      int
		keepDim  bool
		shape    []int
		expected []float32
	}{
		{"dim 0", 0, false, []int{3}, []float32{5, 7, 9}},
		{"dim 1", 1, false, []int{2}, []float32{6, 15}},
		{"dim 0 keep", 0, true, []int{1, 3}, []float32{5, 7, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Sum(a, tt.dim, tt.keepDim)
			if err != nil {
				t.Fatalf("Sum failed: %v", err)
			}
			if !shapesEqual(result.Shape, tt.shape) {
				t.Fatalf("expected shape %v, got %v", tt.shape, result.Shape)
			}
			for i, v := range result.Data.([]float32) {
				if math.Abs(float64(v-tt.expected[i])) > 1e-6 {
					t.Errorf("element %d: expected %f, got %f", i, tt.expected[i], v)
				}
			}
		})
	}
}

func TestMean(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	result, err := Mean(a, 1, false)
	if err != nil {
		t.Fatalf("Mean failed: %v", err)
	}

	expected := []float32{2, 5}
	for i, v := range result.Data.([]float32) {
		if math.Abs(float64(v-expected[i])) > 1e-6 {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestConcat(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 3}, Float32, []float32{5, 6, 7, 8, 9, 10})

	result, err := Concat([]*Tensor{a, b}, 1)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}

	if !shapesEqual(result.Shape, []int{2, 5}) {
		t.Fatalf("expected shape [2 5], got %v", result.Shape)
	}

	expected := []float32{1, 2, 5, 6, 7, 3, 4, 8, 9, 10}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestConcatDim0(t *testing.T) {
	a, _ := NewTensor([]int{1, 3}, Float32, []float32{1, 2, 3})
	b, _ := NewTensor([]int{2, 3}, Float32, []float32{4, 5, 6, 7, 8, 9})

	result, err := Concat([]*Tensor{a, b}, 0)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}

	if !shapesEqual(result.Shape, []int{3, 3}) {
		t.Fatalf("expected shape [3 3], got %v", result.Shape)
	}

	expected := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestConcatShapeMismatch(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, nil)
	b, _ := NewTensor([]int{3, 3}, Float32, nil)

	if _, err := Concat([]*Tensor{a, b}, 1); err == nil {
		t.Error("expected error for mismatched non-concat dimensions")
	}
}

func TestArgMax(t *testing.T) {
	a, _ := NewTensor([]int{3, 4}, Float32, []float32{
		0.1, 0.7, 0.1, 0.1,
		0.9, 0.05, 0.03, 0.02,
		0.2, 0.2, 0.2, 0.4,
	})

	result, err := ArgMax(a)
	if err != nil {
		t.Fatalf("ArgMax failed: %v", err)
	}

	if result.DType != Int32 {
		t.Errorf("expected Int32 result, got %v", result.DType)
	}

	expected := []int32{1, 0, 3}
	for i, v := range result.Data.([]int32) {
		if v != expected[i] {
			t.Errorf("row %d: expected class %d, got %d", i, expected[i], v)
		}
	}
}

func TestSqueezeUnsqueeze(t *testing.T) {
	a, _ := NewTensor([]int{2, 1, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	s, err := Squeeze(a, 1)
	if err != nil {
		t.Fatalf("Squeeze failed: %v", err)
	}
	if !shapesEqual(s.Shape, []int{2, 3}) {
		t.Errorf("expected shape [2 3], got %v", s.Shape)
	}

	u, err := Unsqueeze(s, 0)
	if err != nil {
		t.Fatalf("Unsqueeze failed: %v", err)
	}
	if !shapesEqual(u.Shape, []int{1, 2, 3}) {
		t.Errorf("expected shape [1 2 3], got %v", u.Shape)
	}
}

func TestFlatten(t *testing.T) {
	a, _ := NewTensor([]int{2, 3, 4}, Float32, nil)

	f, err := Flatten(a)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if !shapesEqual(f.Shape, []int{24}) {
		t.Errorf("expected shape [24], got %v", f.Shape)
	}
}
