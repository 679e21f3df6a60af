package nn

import (
	"fmt"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	// Cached metrics to avoid recomputation
	cachedMetrics map[MetricType]float64
	metricsValid  bool
}

// ClassMetrics holds per-class evaluation results
type ClassMetrics struct {
	Class     int     `json:"class"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.metricsValid = false
	cm.cachedMetrics = make(map[MetricType]float64)
}

// UpdateFromPredictions accumulates a batch of logits and true labels.
// Predictions are laid out row-major as [batchSize, numClasses].
func (cm *ConfusionMatrix) UpdateFromPredictions(
	predictions []float32,
	trueLabels []int32,
	batchSize int,
	numClasses int,
) error {
	if len(predictions) != batchSize*numClasses {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", batchSize*numClasses, len(predictions))
	}

	if len(trueLabels) != batchSize {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", batchSize, len(trueLabels))
	}

	if numClasses != cm.NumClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, numClasses)
	}

	for i := 0; i < batchSize; i++ {
		// Find predicted class (argmax)
		maxIdx := 0
		maxVal := predictions[i*numClasses]

		for j := 1; j < numClasses; j++ {
			if predictions[i*numClasses+j] > maxVal {
				maxVal = predictions[i*numClasses+j]
				maxIdx = j
			}
		}
		predClass := maxIdx
		trueClass := int(trueLabels[i])

		// Validate class indices
		if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
			continue // Skip invalid samples
		}

		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}

	// Invalidate cached metrics
	cm.metricsValid = false
	return nil
}

// Add records a single prediction
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	if predClass < 0 || predClass >= cm.NumClasses {
		return fmt.Errorf("predicted class %d out of range [0, %d)", predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	cm.metricsValid = false
	return nil
}

// GetMetric calculates and caches evaluation metrics
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if cm.metricsValid {
		if value, exists := cm.cachedMetrics[metric]; exists {
			return value
		}
	}

	var result float64

	switch metric {
	case MacroPrecision:
		result = cm.calculateMacroPrecision()
	case MacroRecall:
		result = cm.calculateMacroRecall()
	case MacroF1:
		result = cm.calculateMacroF1()
	case MicroPrecision:
		result = cm.calculateMicroPrecision()
	case MicroRecall:
		result = cm.calculateMicroRecall()
	case MicroF1:
		result = cm.calculateMicroF1()
	default:
		return 0.0
	}

	// Cache the result
	cm.cachedMetrics[metric] = result
	return result
}

// PerClassMetrics returns precision, recall, F1 and support for each class
func (cm *ConfusionMatrix) PerClassMetrics() []ClassMetrics {
	results := make([]ClassMetrics, cm.NumClasses)

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp := 0.0
		fn := 0.0
		support := 0

		for other := 0; other < cm.NumClasses; other++ {
			support += cm.Matrix[class][other]
			if other != class {
				fp += float64(cm.Matrix[other][class])
				fn += float64(cm.Matrix[class][other])
			}
		}

		precision := 0.0
		if tp+fp > 0 {
			precision = tp / (tp + fp)
		}

		recall := 0.0
		if tp+fn > 0 {
			recall = tp / (tp + fn)
		}

		f1 := 0.0
		if precision+recall > 0 {
			f1 = 2 * (precision * recall) / (precision + recall)
		}

		results[class] = ClassMetrics{
			Class:     class,
			Precision: precision,
			Recall:    recall,
			F1:        f1,
			Support:   support,
		}
	}

	return results
}

func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	if cm.NumClasses < 2 {
		return 0.0
	}

	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp := 0.0

		// Sum false positives for this class
		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				fp += float64(cm.Matrix[otherClass][class])
			}
		}

		if tp+fp > 0 {
			sum += tp / (tp + fp)
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}

	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	if cm.NumClasses < 2 {
		return 0.0
	}

	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fn := 0.0

		// Sum false negatives for this class
		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				fn += float64(cm.Matrix[class][otherClass])
			}
		}

		if tp+fn > 0 {
			sum += tp / (tp + fn)
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}

	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) calculateMacroF1() float64 {
	precision := cm.calculateMacroPrecision()
	recall := cm.calculateMacroRecall()

	if precision+recall == 0 {
		return 0.0
	}

	return 2 * (precision * recall) / (precision + recall)
}

func (cm *ConfusionMatrix) calculateMicroPrecision() float64 {
	totalTP := 0.0
	totalFP := 0.0

	for class := 0; class < cm.NumClasses; class++ {
		totalTP += float64(cm.Matrix[class][class])

		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				totalFP += float64(cm.Matrix[otherClass][class])
			}
		}
	}

	if totalTP+totalFP == 0 {
		return 0.0
	}

	return totalTP / (totalTP + totalFP)
}

func (cm *ConfusionMatrix) calculateMicroRecall() float64 {
	totalTP := 0.0
	totalFN := 0.0

	for class := 0; class < cm.NumClasses; class++ {
		totalTP += float64(cm.Matrix[class][class])

		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				totalFN += float64(cm.Matrix[class][otherClass])
			}
		}
	}

	if totalTP+totalFN == 0 {
		return 0.0
	}

	return totalTP / (totalTP + totalFN)
}

func (cm *ConfusionMatrix) calculateMicroF1() float64 {
	precision := cm.calculateMicroPrecision()
	recall := cm.calculateMicroRecall()

	if precision+recall == 0 {
		return 0.0
	}

	return 2 * (precision * recall) / (precision + recall)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}

	return float64(correct) / float64(cm.TotalSamples)
}
