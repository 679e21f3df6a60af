package checkpoints

import (
	"os"
	"strings"
	"testing"

	"github.com/accessatlas/accessatlas/nn"
	"github.com/accessatlas/accessatlas/tensor"
)

func TestCheckpointJSONSaveLoad(t *testing.T) {
	checkpoint := &Checkpoint{
		Epoch: 10,
		ModelStateDict: []WeightTensor{
			{
				Name:  "fusion1.weight",
				Shape: []int{8, 4},
				Data:  make([]float32, 32),
				Layer: "fusion1",
				Type:  "weight",
			},
			{
				Name:  "fusion1.bias",
				Shape: []int{4},
				Data:  make([]float32, 4),
				Layer: "fusion1",
				Type:  "bias",
			},
		},
		OptimizerStateDict: &nn.OptimizerSnapshot{
			Type: "adam",
			Step: 1250,
			LR:   0.001,
			Params: []map[string][]float32{
				{"m": make([]float32, 32), "v": make([]float32, 32)},
				{"m": make([]float32, 4), "v": make([]float32, 4)},
			},
		},
		SchedulerStateDict: &nn.SchedulerSnapshot{
			Name:        "ReduceLROnPlateau",
			BestMetric:  0.82,
			BadEpochs:   1,
			CurrentLR:   0.0005,
			Initialized: true,
		},
		BestValAcc: 0.85,
		Config: map[string]interface{}{
			"learning_rate": 0.001,
			"batch_size":    32,
		},
	}

	for i := range checkpoint.ModelStateDict[0].Data {
		checkpoint.ModelStateDict[0].Data[i] = float32(i%100) * 0.01
	}
	for i := range checkpoint.ModelStateDict[1].Data {
		checkpoint.ModelStateDict[1].Data[i] = float32(i%10) * 0.1
	}

	saver := NewCheckpointSaver(FormatJSON)
	testFile := "test_checkpoint.json"
	defer os.Remove(testFile)

	if err := saver.SaveCheckpoint(checkpoint, testFile); err != nil {
		t.Fatalf("Failed to save JSON checkpoint: %v", err)
	}

	loaded, err := saver.LoadCheckpoint(testFile)
	if err != nil {
		t.Fatalf("Failed to load JSON checkpoint: %v", err)
	}

	if loaded.Epoch != checkpoint.Epoch {
		t.Errorf("Epoch mismatch: expected %d, got %d", checkpoint.Epoch, loaded.Epoch)
	}
	if loaded.BestValAcc != checkpoint.BestValAcc {
		t.Errorf("Best accuracy mismatch: expected %f, got %f", checkpoint.BestValAcc, loaded.BestValAcc)
	}

	if len(loaded.ModelStateDict) != len(checkpoint.ModelStateDict) {
		t.Fatalf("Weight count mismatch: expected %d, got %d",
			len(checkpoint.ModelStateDict), len(loaded.ModelStateDict))
	}
	for i, original := range checkpoint.ModelStateDict {
		loadedWeight := loaded.ModelStateDict[i]
		if original.Name != loadedWeight.Name {
			t.Errorf("Weight %d name mismatch: expected %s, got %s", i, original.Name, loadedWeight.Name)
		}
		if len(original.Data) != len(loadedWeight.Data) {
			t.Errorf("Weight %d data length mismatch: expected %d, got %d",
				i, len(original.Data), len(loadedWeight.Data))
			continue
		}
		for j, v := range original.Data {
			if loadedWeight.Data[j] != v {
				t.Errorf("Weight %d data[%d] mismatch: expected %f, got %f",
					i, j, v, loadedWeight.Data[j])
				break
			}
		}
	}

	if loaded.OptimizerStateDict == nil {
		t.Fatal("Loaded checkpoint missing optimizer state")
	}
	if loaded.OptimizerStateDict.Type != "adam" {
		t.Errorf("Optimizer type mismatch: expected adam, got %s", loaded.OptimizerStateDict.Type)
	}
	if loaded.OptimizerStateDict.Step != 1250 {
		t.Errorf("Optimizer step mismatch: expected 1250, got %d", loaded.OptimizerStateDict.Step)
	}

	if loaded.SchedulerStateDict == nil {
		t.Fatal("Loaded checkpoint missing scheduler state")
	}
	if loaded.SchedulerStateDict.Name != "ReduceLROnPlateau" {
		t.Errorf("Scheduler name mismatch: expected ReduceLROnPlateau, got %s", loaded.SchedulerStateDict.Name)
	}
	if loaded.SchedulerStateDict.BestMetric != 0.82 {
		t.Errorf("Scheduler best metric mismatch: expected 0.82, got %f", loaded.SchedulerStateDict.BestMetric)
	}

	// JSON decodes numbers in the config map as float64
	if bs, ok := loaded.Config["batch_size"].(float64); !ok || bs != 32 {
		t.Errorf("Config batch_size mismatch: expected 32, got %v", loaded.Config["batch_size"])
	}

	t.Log("JSON checkpoint round-trip test passed")
}

func TestCheckpointONNXSaveLoad(t *testing.T) {
	checkpoint := &Checkpoint{
		Epoch: 3,
		ModelStateDict: []WeightTensor{
			{
				Name:  "head.weight",
				Shape: []int{4, 2},
				Data:  []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8},
				Layer: "head",
				Type:  "weight",
			},
			{
				Name:  "head.bias",
				Shape: []int{2},
				Data:  []float32{-0.5, 0.5},
				Layer: "head",
				Type:  "bias",
			},
		},
		BestValAcc: 0.9,
	}

	saver := NewCheckpointSaver(FormatONNX)
	testFile := "test_weights.onnx"
	defer os.Remove(testFile)

	if err := saver.SaveCheckpoint(checkpoint, testFile); err != nil {
		t.Fatalf("Failed to save ONNX checkpoint: %v", err)
	}

	info, err := os.Stat(testFile)
	if err != nil {
		t.Fatalf("ONNX file was not created: %v", err)
	}
	if info.Size() == 0 {
		t.Error("ONNX file is empty")
	}

	loaded, err := saver.LoadCheckpoint(testFile)
	if err != nil {
		t.Fatalf("Failed to load ONNX checkpoint: %v", err)
	}

	if loaded.Metadata.Framework != "accessatlas" {
		t.Errorf("Framework mismatch: expected accessatlas, got %s", loaded.Metadata.Framework)
	}
	// ONNX carries weights only
	if loaded.Epoch != 0 {
		t.Errorf("Expected zero epoch from weights-only file, got %d", loaded.Epoch)
	}

	if len(loaded.ModelStateDict) != 2 {
		t.Fatalf("Weight count mismatch: expected 2, got %d", len(loaded.ModelStateDict))
	}
	for i, original := range checkpoint.ModelStateDict {
		loadedWeight := loaded.ModelStateDict[i]
		if loadedWeight.Name != original.Name {
			t.Errorf("Weight %d name mismatch: expected %s, got %s", i, original.Name, loadedWeight.Name)
		}
		if loadedWeight.Layer != original.Layer || loadedWeight.Type != original.Type {
			t.Errorf("Weight %d layer/type mismatch: expected %s/%s, got %s/%s",
				i, original.Layer, original.Type, loadedWeight.Layer, loadedWeight.Type)
		}
		if len(loadedWeight.Shape) != len(original.Shape) {
			t.Errorf("Weight %d shape rank mismatch: expected %v, got %v", i, original.Shape, loadedWeight.Shape)
			continue
		}
		for j, d := range original.Shape {
			if loadedWeight.Shape[j] != d {
				t.Errorf("Weight %d shape mismatch: expected %v, got %v", i, original.Shape, loadedWeight.Shape)
				break
			}
		}
		for j, v := range original.Data {
			if loadedWeight.Data[j] != v {
				t.Errorf("Weight %d data[%d] mismatch: expected %f, got %f", i, j, v, loadedWeight.Data[j])
				break
			}
		}
	}

	t.Log("ONNX checkpoint round-trip test passed")
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format   CheckpointFormat
		expected string
	}{
		{FormatJSON, "JSON"},
		{FormatONNX, "ONNX"},
		{CheckpointFormat(999), "Unknown"},
	}

	for _, test := range tests {
		result := test.format.String()
		if result != test.expected {
			t.Errorf("Format %d: expected %s, got %s", test.format, test.expected, result)
		}
	}
}

func TestUnsupportedCheckpointFormat(t *testing.T) {
	saver := NewCheckpointSaver(CheckpointFormat(999))

	checkpoint := &Checkpoint{Epoch: 1}

	err := saver.SaveCheckpoint(checkpoint, "test.invalid")
	if err == nil {
		t.Error("Expected error for unsupported save format")
	} else if !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected 'unsupported checkpoint format' error, got: %v", err)
	}

	_, err = saver.LoadCheckpoint("nonexistent.invalid")
	if err == nil {
		t.Error("Expected error for unsupported load format")
	} else if !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected 'unsupported checkpoint format' error, got: %v", err)
	}
}

func TestJSONLoadFileErrors(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)

	_, err := saver.LoadCheckpoint("nonexistent.json")
	if err == nil {
		t.Error("Expected error for non-existent file")
	} else if !strings.Contains(err.Error(), "failed to open checkpoint file") {
		t.Errorf("Expected 'failed to open checkpoint file' error, got: %v", err)
	}

	invalidJSONFile := "invalid.json"
	defer os.Remove(invalidJSONFile)

	if err := os.WriteFile(invalidJSONFile, []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("Failed to create invalid JSON file: %v", err)
	}

	_, err = saver.LoadCheckpoint(invalidJSONFile)
	if err == nil {
		t.Error("Expected error for invalid JSON")
	} else if !strings.Contains(err.Error(), "failed to decode checkpoint") {
		t.Errorf("Expected 'failed to decode checkpoint' error, got: %v", err)
	}
}

func TestCheckpointMetadataDefaults(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	checkpoint := &Checkpoint{Epoch: 1}

	testFile := "test_metadata.json"
	defer os.Remove(testFile)

	if err := saver.SaveCheckpoint(checkpoint, testFile); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	if checkpoint.Metadata.Framework != "accessatlas" {
		t.Errorf("Expected framework 'accessatlas', got '%s'", checkpoint.Metadata.Framework)
	}
	if checkpoint.Metadata.Version != "1.0.0" {
		t.Errorf("Expected version '1.0.0', got '%s'", checkpoint.Metadata.Version)
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set to current time")
	}
}

func TestExtractWeights(t *testing.T) {
	weight, err := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("Failed to create weight tensor: %v", err)
	}
	bias, err := tensor.NewTensor([]int{3}, tensor.Float32, []float32{0.1, 0.2, 0.3})
	if err != nil {
		t.Fatalf("Failed to create bias tensor: %v", err)
	}

	names := []string{"fc.weight", "fc.bias"}
	params := []*tensor.Tensor{weight, bias}

	weights, err := ExtractWeights(names, params)
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}

	if len(weights) != 2 {
		t.Fatalf("Expected 2 weight tensors, got %d", len(weights))
	}
	if weights[0].Layer != "fc" || weights[0].Type != "weight" {
		t.Errorf("Expected layer fc type weight, got %s/%s", weights[0].Layer, weights[0].Type)
	}
	if weights[1].Layer != "fc" || weights[1].Type != "bias" {
		t.Errorf("Expected layer fc type bias, got %s/%s", weights[1].Layer, weights[1].Type)
	}
	if weights[0].Shape[0] != 2 || weights[0].Shape[1] != 3 {
		t.Errorf("Expected shape [2 3], got %v", weights[0].Shape)
	}
	if weights[0].Data[4] != 5 {
		t.Errorf("Expected data[4] = 5, got %f", weights[0].Data[4])
	}

	// Extracted data must be a copy, not a view of the parameter
	weights[0].Data[0] = 99
	original, err := weight.GetFloat32Data()
	if err != nil {
		t.Fatalf("Failed to read weight data: %v", err)
	}
	if original[0] != 1 {
		t.Errorf("Extracted weights alias parameter memory: expected 1, got %f", original[0])
	}

	// Mismatched name/parameter counts
	if _, err := ExtractWeights([]string{"fc.weight"}, params); err == nil {
		t.Error("Expected error for mismatched name count")
	}
}

func TestLoadWeights(t *testing.T) {
	weights := []WeightTensor{
		{Name: "fc.weight", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}, Layer: "fc", Type: "weight"},
		{Name: "fc.bias", Shape: []int{3}, Data: []float32{0.1, 0.2, 0.3}, Layer: "fc", Type: "bias"},
	}

	weight, err := tensor.Zeros([]int{2, 3}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create weight tensor: %v", err)
	}
	bias, err := tensor.Zeros([]int{3}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create bias tensor: %v", err)
	}

	// Parameter order differs from checkpoint order; matching is by name
	names := []string{"fc.bias", "fc.weight"}
	params := []*tensor.Tensor{bias, weight}

	if err := LoadWeights(weights, names, params); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}

	weightData, err := weight.GetFloat32Data()
	if err != nil {
		t.Fatalf("Failed to read weight data: %v", err)
	}
	for i, expected := range []float32{1, 2, 3, 4, 5, 6} {
		if weightData[i] != expected {
			t.Errorf("Weight data[%d]: expected %f, got %f", i, expected, weightData[i])
		}
	}

	biasData, err := bias.GetFloat32Data()
	if err != nil {
		t.Fatalf("Failed to read bias data: %v", err)
	}
	if biasData[2] != 0.3 {
		t.Errorf("Bias data[2]: expected 0.3, got %f", biasData[2])
	}
}

func TestLoadWeightsErrors(t *testing.T) {
	weights := []WeightTensor{
		{Name: "fc.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
	}

	param, err := tensor.Zeros([]int{2, 2}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}

	// Name missing from the checkpoint
	err = LoadWeights(weights, []string{"fc.gamma"}, []*tensor.Tensor{param})
	if err == nil {
		t.Error("Expected error for missing weight name")
	} else if !strings.Contains(err.Error(), "no weight named") {
		t.Errorf("Expected 'no weight named' error, got: %v", err)
	}

	// Shape mismatch between checkpoint and parameter
	wide, err := tensor.Zeros([]int{2, 3}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	err = LoadWeights(weights, []string{"fc.weight"}, []*tensor.Tensor{wide})
	if err == nil {
		t.Error("Expected error for shape mismatch")
	} else if !strings.Contains(err.Error(), "mismatch") {
		t.Errorf("Expected shape mismatch error, got: %v", err)
	}

	// Parallel slice length mismatch
	err = LoadWeights(weights, []string{"fc.weight", "fc.bias"}, []*tensor.Tensor{param})
	if err == nil {
		t.Error("Expected error for name count mismatch")
	}
}
