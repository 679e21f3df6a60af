package nn

import (
	"math"
	"testing"

	"github.com/accessatlas/accessatlas/tensor"
)

// Compile-time interface checks
var (
	_ Module = (*Linear)(nil)
	_ Module = (*Conv2D)(nil)
	_ Module = (*ReLU)(nil)
	_ Module = (*BatchNorm)(nil)
	_ Module = (*MaxPool2D)(nil)
	_ Module = (*GlobalAvgPool2D)(nil)
	_ Module = (*Flatten)(nil)
	_ Module = (*Dropout)(nil)
	_ Module = (*Sequential)(nil)
)

func floatData(t *testing.T, tn *tensor.Tensor) []float32 {
	t.Helper()
	data, err := tn.GetFloat32Data()
	if err != nil {
		t.Fatalf("Failed to get float data: %v", err)
	}
	return data
}

func TestLinearForward(t *testing.T) {
	linear, err := NewLinear(2, 2, true)
	if err != nil {
		t.Fatalf("Failed to create linear layer: %v", err)
	}

	// Overwrite initialized weights with known values
	if err := linear.Weight().SetData([]float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("Failed to set weights: %v", err)
	}
	if err := linear.Bias().SetData([]float32{0.5, -0.5}); err != nil {
		t.Fatalf("Failed to set bias: %v", err)
	}

	input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 1})
	output, err := linear.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// output = input @ weight + bias
	expected := []float32{4.5, 5.5}
	result := floatData(t, output)
	for i, exp := range expected {
		if math.Abs(float64(result[i]-exp)) > 1e-6 {
			t.Errorf("Output[%d]: expected %f, got %f", i, exp, result[i])
		}
	}
}

func TestLinearInputValidation(t *testing.T) {
	linear, err := NewLinear(4, 3, true)
	if err != nil {
		t.Fatalf("Failed to create linear layer: %v", err)
	}

	// Wrong feature dimension
	bad, _ := tensor.Zeros([]int{2, 3}, tensor.Float32)
	if _, err := linear.Forward(bad); err == nil {
		t.Error("Expected error for mismatched input size")
	}

	// Wrong rank
	bad1D, _ := tensor.Zeros([]int{4}, tensor.Float32)
	if _, err := linear.Forward(bad1D); err == nil {
		t.Error("Expected error for 1D input")
	}
}

func TestLinearNoBias(t *testing.T) {
	linear, err := NewLinear(3, 2, false)
	if err != nil {
		t.Fatalf("Failed to create linear layer: %v", err)
	}

	if linear.Bias() != nil {
		t.Error("Expected nil bias when bias is disabled")
	}
	if len(linear.Parameters()) != 1 {
		t.Errorf("Expected 1 parameter without bias, got %d", len(linear.Parameters()))
	}

	input, _ := tensor.Ones([]int{2, 3}, tensor.Float32)
	output, err := linear.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if output.Shape[0] != 2 || output.Shape[1] != 2 {
		t.Errorf("Expected output shape [2 2], got %v", output.Shape)
	}
}

func TestLinearDeterministicInit(t *testing.T) {
	SetRandomSeed(7)
	first, err := NewLinear(8, 4, true)
	if err != nil {
		t.Fatalf("Failed to create first layer: %v", err)
	}

	SetRandomSeed(7)
	second, err := NewLinear(8, 4, true)
	if err != nil {
		t.Fatalf("Failed to create second layer: %v", err)
	}

	w1 := floatData(t, first.Weight())
	w2 := floatData(t, second.Weight())
	for i := range w1 {
		if w1[i] != w2[i] {
			t.Errorf("Weight[%d]: same seed produced %f and %f", i, w1[i], w2[i])
		}
	}
}

func TestConv2DModule(t *testing.T) {
	conv, err := NewConv2D(1, 2, 3, 1, 1, true)
	if err != nil {
		t.Fatalf("Failed to create conv layer: %v", err)
	}

	if len(conv.Parameters()) != 2 {
		t.Errorf("Expected 2 parameters, got %d", len(conv.Parameters()))
	}

	input, _ := tensor.Ones([]int{1, 1, 4, 4}, tensor.Float32)
	output, err := conv.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	expectedShape := []int{1, 2, 4, 4}
	for i, dim := range expectedShape {
		if output.Shape[i] != dim {
			t.Errorf("Output shape: expected %v, got %v", expectedShape, output.Shape)
			break
		}
	}
}

func TestBatchNormTraining(t *testing.T) {
	bn, err := NewBatchNorm(2, 1e-5, 0.1)
	if err != nil {
		t.Fatalf("Failed to create batch norm: %v", err)
	}

	// Feature 0 values {1, 3}, feature 1 values {10, 20}
	input, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 10, 3, 20})
	output, err := bn.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// With unit gamma and zero beta the output is the normalized input
	expected := []float32{-1, -1, 1, 1}
	result := floatData(t, output)
	for i, exp := range expected {
		if math.Abs(float64(result[i]-exp)) > 1e-3 {
			t.Errorf("Normalized[%d]: expected %f, got %f", i, exp, result[i])
		}
	}

	// Running stats move toward batch stats by momentum
	runningMean, runningVar := bn.RunningStats()
	meanData := floatData(t, runningMean)
	varData := floatData(t, runningVar)

	expectedMean := []float32{0.2, 1.5}
	expectedVar := []float32{1.0, 3.4}
	for i := range expectedMean {
		if math.Abs(float64(meanData[i]-expectedMean[i])) > 1e-4 {
			t.Errorf("Running mean[%d]: expected %f, got %f", i, expectedMean[i], meanData[i])
		}
		if math.Abs(float64(varData[i]-expectedVar[i])) > 1e-4 {
			t.Errorf("Running var[%d]: expected %f, got %f", i, expectedVar[i], varData[i])
		}
	}
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	bn, err := NewBatchNorm(2, 1e-5, 0.1)
	if err != nil {
		t.Fatalf("Failed to create batch norm: %v", err)
	}
	bn.Eval()

	// Fresh running stats are mean 0, var 1, so eval is near-identity
	input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{3, -3})
	output, err := bn.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	result := floatData(t, output)
	expected := []float32{3, -3}
	for i, exp := range expected {
		if math.Abs(float64(result[i]-exp)) > 1e-3 {
			t.Errorf("Eval output[%d]: expected %f, got %f", i, exp, result[i])
		}
	}

	// Eval must not touch the running statistics
	runningMean, _ := bn.RunningStats()
	for i, v := range floatData(t, runningMean) {
		if v != 0 {
			t.Errorf("Running mean[%d] modified during eval: got %f", i, v)
		}
	}
}

func TestBatchNorm4D(t *testing.T) {
	bn, err := NewBatchNorm(2, 1e-5, 0.1)
	if err != nil {
		t.Fatalf("Failed to create batch norm: %v", err)
	}

	// Channel 0 is constant, channel 1 alternates {0, 2}
	input, _ := tensor.NewTensor([]int{1, 2, 2, 2}, tensor.Float32, []float32{
		2, 2, 2, 2,
		0, 2, 0, 2,
	})
	output, err := bn.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	result := floatData(t, output)

	// Constant channel normalizes to zero
	for i := 0; i < 4; i++ {
		if math.Abs(float64(result[i])) > 1e-2 {
			t.Errorf("Channel 0 position %d: expected 0, got %f", i, result[i])
		}
	}

	// Alternating channel normalizes to {-1, 1}
	expected := []float32{-1, 1, -1, 1}
	for i, exp := range expected {
		if math.Abs(float64(result[4+i]-exp)) > 1e-3 {
			t.Errorf("Channel 1 position %d: expected %f, got %f", i, exp, result[4+i])
		}
	}
}

func TestBatchNormGradients(t *testing.T) {
	bn, err := NewBatchNorm(2, 1e-5, 0.1)
	if err != nil {
		t.Fatalf("Failed to create batch norm: %v", err)
	}

	input, _ := tensor.NewTensor([]int{1, 2, 2, 2}, tensor.Float32, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	})
	input.SetRequiresGrad(true)

	output, err := bn.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	loss, err := tensor.SumAllAutograd(output)
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d(sum)/d(beta) is the number of positions per channel
	gamma, beta := bn.Parameters()[0], bn.Parameters()[1]
	if beta.Grad() == nil {
		t.Fatal("Beta gradient not computed")
	}
	for i, g := range floatData(t, beta.Grad()) {
		if math.Abs(float64(g-4)) > 1e-3 {
			t.Errorf("Beta grad[%d]: expected 4, got %f", i, g)
		}
	}

	// Normalized values sum to zero per channel, so gamma gradients vanish
	if gamma.Grad() == nil {
		t.Fatal("Gamma gradient not computed")
	}
	for i, g := range floatData(t, gamma.Grad()) {
		if math.Abs(float64(g)) > 1e-2 {
			t.Errorf("Gamma grad[%d]: expected 0, got %f", i, g)
		}
	}
}

func TestDropoutTraining(t *testing.T) {
	SetRandomSeed(3)
	dropout, err := NewDropout(0.5)
	if err != nil {
		t.Fatalf("Failed to create dropout: %v", err)
	}

	input, _ := tensor.Ones([]int{1, 200}, tensor.Float32)
	output, err := dropout.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	zeros, scaled := 0, 0
	for i, v := range floatData(t, output) {
		switch {
		case v == 0:
			zeros++
		case math.Abs(float64(v-2.0)) < 1e-6:
			scaled++
		default:
			t.Errorf("Output[%d]: expected 0 or 2, got %f", i, v)
		}
	}

	if zeros == 0 || scaled == 0 {
		t.Errorf("Expected a mix of dropped and kept values, got %d zeros, %d kept", zeros, scaled)
	}
}

func TestDropoutEval(t *testing.T) {
	dropout, err := NewDropout(0.5)
	if err != nil {
		t.Fatalf("Failed to create dropout: %v", err)
	}
	dropout.Eval()

	input, _ := tensor.NewTensor([]int{1, 4}, tensor.Float32, []float32{1, 2, 3, 4})
	output, err := dropout.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	for i, v := range floatData(t, output) {
		if v != float32(i+1) {
			t.Errorf("Eval output[%d]: expected %d, got %f", i, i+1, v)
		}
	}
}

func TestDropoutInvalidRate(t *testing.T) {
	if _, err := NewDropout(1.0); err == nil {
		t.Error("Expected error for rate 1.0")
	}
	if _, err := NewDropout(-0.1); err == nil {
		t.Error("Expected error for negative rate")
	}
}

func TestMaxPool2DModule(t *testing.T) {
	pool := NewMaxPool2D(2, 2, 0)

	input, _ := tensor.NewTensor([]int{1, 1, 4, 4}, tensor.Float32, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	})
	output, err := pool.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	expected := []float32{6, 8, 14, 16}
	for i, v := range floatData(t, output) {
		if v != expected[i] {
			t.Errorf("Pooled[%d]: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestGlobalAvgPool2DModule(t *testing.T) {
	gap := NewGlobalAvgPool2D()

	input, _ := tensor.NewTensor([]int{1, 2, 2, 2}, tensor.Float32, []float32{
		1, 2, 3, 4,
		10, 20, 30, 40,
	})
	output, err := gap.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if output.Shape[0] != 1 || output.Shape[1] != 2 {
		t.Errorf("Expected shape [1 2], got %v", output.Shape)
	}

	expected := []float32{2.5, 25}
	for i, v := range floatData(t, output) {
		if math.Abs(float64(v-expected[i])) > 1e-6 {
			t.Errorf("Pooled[%d]: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestFlattenModule(t *testing.T) {
	flatten := NewFlatten()

	input, _ := tensor.Ones([]int{2, 3, 2, 2}, tensor.Float32)
	output, err := flatten.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if output.Shape[0] != 2 || output.Shape[1] != 12 {
		t.Errorf("Expected shape [2 12], got %v", output.Shape)
	}
}

func TestSequentialForward(t *testing.T) {
	SetRandomSeed(11)
	conv, err := NewConv2D(1, 4, 3, 1, 1, true)
	if err != nil {
		t.Fatalf("Failed to create conv: %v", err)
	}
	linear, err := NewLinear(16, 3, true)
	if err != nil {
		t.Fatalf("Failed to create linear: %v", err)
	}

	model := NewSequential(
		conv,
		NewReLU(),
		NewMaxPool2D(2, 2, 0),
		NewFlatten(),
		linear,
	)

	if len(model.Parameters()) != 4 {
		t.Errorf("Expected 4 parameters, got %d", len(model.Parameters()))
	}

	input, _ := tensor.Ones([]int{2, 1, 4, 4}, tensor.Float32)
	output, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if output.Shape[0] != 2 || output.Shape[1] != 3 {
		t.Errorf("Expected output shape [2 3], got %v", output.Shape)
	}
}

func TestSequentialTrainEval(t *testing.T) {
	dropout, err := NewDropout(0.5)
	if err != nil {
		t.Fatalf("Failed to create dropout: %v", err)
	}
	bn, err := NewBatchNorm(4, 1e-5, 0.1)
	if err != nil {
		t.Fatalf("Failed to create batch norm: %v", err)
	}

	model := NewSequential(dropout, bn)

	if !model.IsTraining() {
		t.Error("New model should start in training mode")
	}

	model.Eval()
	if model.IsTraining() {
		t.Error("Model should be in eval mode")
	}
	if dropout.IsTraining() || bn.IsTraining() {
		t.Error("Eval should propagate to submodules")
	}

	model.Train()
	if !dropout.IsTraining() || !bn.IsTraining() {
		t.Error("Train should propagate to submodules")
	}
}
