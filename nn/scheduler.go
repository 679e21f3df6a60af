package nn

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler defines the interface for learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StatefulScheduler is implemented by schedulers whose decisions depend on
// observed metrics rather than the epoch index alone. Their internal state
// is captured in checkpoints so training can resume mid-schedule.
type StatefulScheduler interface {
	LRScheduler
	Snapshot() SchedulerSnapshot
	Restore(snapshot SchedulerSnapshot)
}

// SchedulerSnapshot captures scheduler state for checkpointing.
type SchedulerSnapshot struct {
	Name        string  `json:"name"`
	BestMetric  float64 `json:"best_metric,omitempty"`
	BadEpochs   int     `json:"bad_epochs,omitempty"`
	CurrentLR   float64 `json:"current_lr,omitempty"`
	Initialized bool    `json:"initialized,omitempty"`
}

// SchedulerConfig selects and parameterizes a learning rate schedule.
// Zero-valued fields fall back to the per-scheduler defaults.
type SchedulerConfig struct {
	Name      string
	StepSize  int
	Gamma     float64
	TMax      int
	EtaMin    float64
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string
}

// NewScheduler builds a scheduler from a config name. Recognized names are
// "constant", "step", "exponential", "cosine" and "plateau".
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "constant", "none":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(cfg.Factor, cfg.Patience, cfg.Threshold, cfg.Mode), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Name)
	}
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Calculate how many times to apply gamma
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	// Cosine annealing formula
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving
// This scheduler requires state tracking, so it's handled differently
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	// Internal state used only for scheduling decisions
	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min" // Default: minimize loss
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step checks if LR should be reduced based on metric
// This is called once per epoch with the validation metric
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// For plateau scheduler, we return the internally tracked LR
	// The actual reduction happens in Step() based on metrics
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// Snapshot exports the plateau tracking state for checkpointing
func (s *ReduceLROnPlateauScheduler) Snapshot() SchedulerSnapshot {
	return SchedulerSnapshot{
		Name:        s.GetName(),
		BestMetric:  s.bestMetric,
		BadEpochs:   s.badEpochs,
		CurrentLR:   s.currentLR,
		Initialized: s.initialized,
	}
}

// Restore loads state saved by Snapshot
func (s *ReduceLROnPlateauScheduler) Restore(snapshot SchedulerSnapshot) {
	s.bestMetric = snapshot.BestMetric
	s.badEpochs = snapshot.BadEpochs
	s.currentLR = snapshot.CurrentLR
	s.initialized = snapshot.Initialized
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
