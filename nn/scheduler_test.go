package nn

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(3, 0.5)
	baseLR := 0.2

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.2},   // Initial
		{2, 0.2},   // No change yet
		{3, 0.1},   // First reduction
		{5, 0.1},   // Same
		{6, 0.05},  // Second reduction
		{9, 0.025}, // Third reduction
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},    // Initial
		{1, 0.09},   // 0.1 * 0.9
		{2, 0.081},  // 0.1 * 0.9^2
		{3, 0.0729}, // 0.1 * 0.9^3
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(10, 0)
	baseLR := 0.01

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.01},  // Initial (max)
		{5, 0.005}, // Halfway down the cosine curve
		{10, 0},    // Final (min)
		{15, 0},    // Beyond TMax stays at min
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")

	currentLR := scheduler.Step(1.0, 0.1) // Initial
	if currentLR != 0.1 {
		t.Errorf("Initial: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.9, currentLR) // Improvement
	if currentLR != 0.1 {
		t.Errorf("After improvement: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.895, currentLR) // Within threshold, no improvement
	if currentLR != 0.1 {
		t.Errorf("No improvement 1: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.895, currentLR) // Patience exhausted, reduce
	if currentLR != 0.05 {
		t.Errorf("No improvement 2: expected LR %f, got %f", 0.05, currentLR)
	}
}

func TestReduceLROnPlateauMaxMode(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.1, 1, 0.001, "max")

	currentLR := scheduler.Step(0.5, 0.1) // Initial
	currentLR = scheduler.Step(0.6, currentLR)
	if currentLR != 0.1 {
		t.Errorf("After improvement: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.599, currentLR) // Accuracy dropped
	if math.Abs(currentLR-0.01) > 1e-8 {
		t.Errorf("After plateau: expected LR %f, got %f", 0.01, currentLR)
	}
}

func TestPlateauSnapshotRestore(t *testing.T) {
	original := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")
	original.Step(1.0, 0.1)
	original.Step(0.999, 0.1) // One bad epoch

	snapshot := original.Snapshot()
	if snapshot.Name != "ReduceLROnPlateau" {
		t.Errorf("Snapshot name: expected ReduceLROnPlateau, got %s", snapshot.Name)
	}
	if snapshot.BadEpochs != 1 {
		t.Errorf("Snapshot bad epochs: expected 1, got %d", snapshot.BadEpochs)
	}

	restored := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")
	restored.Restore(snapshot)

	// Both should hit patience on the next bad epoch
	lrOriginal := original.Step(0.999, 0.1)
	lrRestored := restored.Step(0.999, 0.1)

	if lrOriginal != 0.05 {
		t.Errorf("Original after restore point: expected 0.05, got %f", lrOriginal)
	}
	if lrRestored != lrOriginal {
		t.Errorf("Restored scheduler diverged: expected %f, got %f", lrOriginal, lrRestored)
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewStepLRScheduler(10, 0.1), "StepLR"},
		{NewExponentialLRScheduler(0.95), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(100, 0.0), "CosineAnnealingLR"},
		{NewReduceLROnPlateauScheduler(0.1, 10, 0.001, "min"), "ReduceLROnPlateau"},
		{&NoOpScheduler{}, "ConstantLR"},
	}

	for _, tt := range tests {
		if name := tt.scheduler.GetName(); name != tt.expected {
			t.Errorf("Expected scheduler name %s, got %s", tt.expected, name)
		}
	}
}

func TestNewSchedulerFactory(t *testing.T) {
	tests := []struct {
		config       SchedulerConfig
		expectedName string
	}{
		{SchedulerConfig{Name: "step", StepSize: 10, Gamma: 0.1}, "StepLR"},
		{SchedulerConfig{Name: "exponential", Gamma: 0.95}, "ExponentialLR"},
		{SchedulerConfig{Name: "cosine", TMax: 50}, "CosineAnnealingLR"},
		{SchedulerConfig{Name: "plateau", Factor: 0.5, Patience: 5}, "ReduceLROnPlateau"},
		{SchedulerConfig{Name: "constant"}, "ConstantLR"},
		{SchedulerConfig{}, "ConstantLR"},
	}

	for _, tt := range tests {
		scheduler, err := NewScheduler(tt.config)
		if err != nil {
			t.Errorf("Config %q: unexpected error %v", tt.config.Name, err)
			continue
		}
		if name := scheduler.GetName(); name != tt.expectedName {
			t.Errorf("Config %q: expected %s, got %s", tt.config.Name, tt.expectedName, name)
		}
	}

	if _, err := NewScheduler(SchedulerConfig{Name: "linear"}); err == nil {
		t.Error("Expected error for unknown scheduler name")
	}
}
