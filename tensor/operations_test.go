package tensor

import (
	"math"
	"testing"
)

func TestAdd(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2}, Float32, []float32{5, 6, 7, 8})

	result, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	expected := []float32{6, 8, 10, 12}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestAddInt32(t *testing.T) {
	a, _ := NewTensor([]int{3}, Int32, []int32{1, 2, 3})
	b, _ := NewTensor([]int{3}, Int32, []int32{10, 20, 30})

	result, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	expected := []int32{11, 22, 33}
	for i, v := range result.Data.([]int32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %d, got %d", i, expected[i], v)
		}
	}
}

func TestSub(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, []float32{5, 7, 9})
	b, _ := NewTensor([]int{3}, Float32, []float32{1, 2, 3})

	result, err := Sub(a, b)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}

	expected := []float32{4, 5, 6}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestMul(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, []float32{2, 3, 4})
	b, _ := NewTensor([]int{3}, Float32, []float32{5, 6, 7})

	result, err := Mul(a, b)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}

	expected := []float32{10, 18, 28}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestDiv(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, []float32{10, 20, 30})
	b, _ := NewTensor([]int{3}, Float32, []float32{2, 4, 5})

	result, err := Div(a, b)
	if err != nil {
		t.Fatalf("Div failed: %v", err)
	}

	expected := []float32{5, 5, 6}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestDivByZero(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	b, _ := NewTensor([]int{2}, Float32, []float32{1, 0})

	if _, err := Div(a, b); err == nil {
		t.Error("expected error for division by zero")
	}
}

func TestShapeMismatch(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, nil)
	b, _ := NewTensor([]int{3, 2}, Float32, nil)

	if _, err := Add(a, b); err == nil {
		t.Error("expected error for shape mismatch")
	}
}

func TestDTypeMismatch(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, nil)
	b, _ := NewTensor([]int{2}, Int32, nil)

	if _, err := Add(a, b); err == nil {
		t.Error("expected error for dtype mismatch")
	}
}

func TestScale(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, []float32{1, 2, 3})

	result, err := Scale(a, 2.5)
	if err != nil {
		t.Fatalf("Scale failed: %v", err)
	}

	expected := []float32{2.5, 5, 7.5}
	for i, v := range result.Data.([]float32) {
		if math.Abs(float64(v-expected[i])) > 1e-6 {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestReLU(t *testing.T) {
	a, _ := NewTensor([]int{5}, Float32, []float32{-2, -0.5, 0, 0.5, 2})

	result, err := ReLU(a)
	if err != nil {
		t.Fatalf("ReLU failed: %v", err)
	}

	expected := []float32{0, 0, 0, 0.5, 2}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestSigmoid(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, []float32{0, 2, -2})

	result, err := Sigmoid(a)
	if err != nil {
		t.Fatalf("Sigmoid failed: %v", err)
	}

	data := result.Data.([]float32)
	if math.Abs(float64(data[0])-0.5) > 1e-6 {
		t.Errorf("sigmoid(0): expected 0.5, got %f", data[0])
	}
	if math.Abs(float64(data[1])-0.880797) > 1e-5 {
		t.Errorf("sigmoid(2): expected 0.880797, got %f", data[1])
	}
	if math.Abs(float64(data[1]+data[2])-1.0) > 1e-6 {
		t.Errorf("sigmoid(2) + sigmoid(-2) should equal 1, got %f", data[1]+data[2])
	}
}

func TestExpLog(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, []float32{0, 1})

	e, err := Exp(a)
	if err != nil {
		t.Fatalf("Exp failed: %v", err)
	}
	eData := e.Data.([]float32)
	if math.Abs(float64(eData[0])-1.0) > 1e-6 {
		t.Errorf("exp(0): expected 1, got %f", eData[0])
	}
	if math.Abs(float64(eData[1])-math.E) > 1e-5 {
		t.Errorf("exp(1): expected e, got %f", eData[1])
	}

	l, err := Log(e)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	lData := l.Data.([]float32)
	for i := range lData {
		if math.Abs(float64(lData[i]-a.Data.([]float32)[i])) > 1e-5 {
			t.Errorf("log(exp(x)) element %d: expected %f, got %f", i, a.Data.([]float32)[i], lData[i])
		}
	}

	neg, _ := NewTensor([]int{1}, Float32, []float32{-1})
	if _, err := Log(neg); err == nil {
		t.Error("expected error for log of non-positive value")
	}
}

func TestSoftmax(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{
		1, 2, 3,
		1000, 1001, 1002,
	})

	result, err := Softmax(a)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}

	data := result.Data.([]float32)

	// Rows sum to 1.
	for r := 0; r < 2; r++ {
		var sum float32
		for c := 0; c < 3; c++ {
			sum += data[r*3+c]
		}
		if math.Abs(float64(sum)-1.0) > 1e-5 {
			t.Errorf("row %d: expected sum 1, got %f", r, sum)
		}
	}

	// Max subtraction keeps large logits finite; both rows have the same
	// relative differences, so they produce the same distribution.
	for c := 0; c < 3; c++ {
		if math.Abs(float64(data[c]-data[3+c])) > 1e-5 {
			t.Errorf("column %d: rows with equal offsets should match, got %f vs %f", c, data[c], data[3+c])
		}
	}

	if data[2] <= data[1] || data[1] <= data[0] {
		t.Error("softmax should preserve ordering of logits")
	}
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []int
		expected []int
		wantErr  bool
	}{
		{"same shape", []int{2, 3}, []int{2, 3}, []int{2, 3}, false},
		{"bias add", []int{4, 3}, []int{3}, []int{4, 3}, false},
		{"scalar", []int{2, 3}, []int{1}, []int{2, 3}, false},
		{"middle ones", []int{2, 1, 4}, []int{2, 3, 1}, []int{2, 3, 4}, false},
		{"incompatible", []int{2, 3}, []int{2, 4}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := BroadcastShapes(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BroadcastShapes failed: %v", err)
			}
			if !shapesEqual(result, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestBroadcastTensor(t *testing.T) {
	bias, _ := NewTensor([]int{3}, Float32, []float32{1, 2, 3})

	result, err := BroadcastTensor(bias, []int{2, 3})
	if err != nil {
		t.Fatalf("BroadcastTensor failed: %v", err)
	}

	expected := []float32{1, 2, 3, 1, 2, 3}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestBroadcastAdd(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	bias, _ := NewTensor([]int{3}, Float32, []float32{10, 20, 30})

	x, y, err := BroadcastTensorsForOperation(a, bias)
	if err != nil {
		t.Fatalf("BroadcastTensorsForOperation failed: %v", err)
	}

	result, err := Add(x, y)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	expected := []float32{11, 22, 33, 14, 25, 36}
	for i, v := range result.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("element %d: expected %f, got %f", i, expected[i], v)
		}
	}
}
