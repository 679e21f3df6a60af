// Package eval scores a trained fusion model on a data split and runs
// the misclassification analysis.
package eval

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/dataset"
	"github.com/accessatlas/accessatlas/model"
	"github.com/accessatlas/accessatlas/nn"
	"github.com/accessatlas/accessatlas/tensor"
)

// Prediction is one scored sample. Confidence is the softmax
// probability of the predicted class.
type Prediction struct {
	Label      int     `json:"label"`
	Predicted  int     `json:"predicted"`
	Confidence float64 `json:"confidence"`
	Correct    bool    `json:"correct"`
	ImagePath  string  `json:"image_path"`
	TrueClass  string  `json:"true_class"`
	PredClass  string  `json:"predicted_class"`
}

// ClassReport carries per-class metrics as percentages.
type ClassReport struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Metrics is the evaluation report for one split. Rates are
// percentages; the confusion matrix rows are the true classes.
type Metrics struct {
	Accuracy        float64                `json:"accuracy"`
	MacroPrecision  float64                `json:"macro_precision"`
	MacroRecall     float64                `json:"macro_recall"`
	MacroF1         float64                `json:"macro_f1"`
	PerClass        map[string]ClassReport `json:"per_class"`
	ConfusionMatrix [][]int                `json:"confusion_matrix"`
}

// ErrorAnalysis is the misclassification summary document.
type ErrorAnalysis struct {
	TotalErrors  int          `json:"total_errors"`
	TotalSamples int          `json:"total_samples"`
	ErrorRate    float64      `json:"error_rate"`
	TopKErrors   []Prediction `json:"top_k_errors"`
}

// Options configures optional evaluator collaborators.
type Options struct {
	// ErrorDir receives the metrics and error-analysis JSON files.
	ErrorDir string
	Logger   *zap.Logger
}

// Evaluator scores a model against labeled splits.
type Evaluator struct {
	model    *model.FusionModel
	classes  []string
	errorDir string
	logger   *zap.Logger
}

// NewEvaluator creates an evaluator. classes maps label indices to tag
// type names, usually from the preprocessing metadata.
func NewEvaluator(m *model.FusionModel, classes []string, opts Options) (*Evaluator, error) {
	if m == nil {
		return nil, fmt.Errorf("a model is required")
	}
	if len(classes) != m.NumClasses() {
		return nil, fmt.Errorf("got %d class names for %d classes", len(classes), m.NumClasses())
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Evaluator{
		model:    m,
		classes:  classes,
		errorDir: opts.ErrorDir,
		logger:   logger,
	}, nil
}

// Evaluate scores every sample of a split. It returns the aggregate
// metrics and the per-sample predictions ordered as served.
func (e *Evaluator) Evaluate(loader *dataset.Loader, split string) (*Metrics, []Prediction, error) {
	if loader == nil {
		return nil, nil, fmt.Errorf("a loader is required")
	}

	e.model.Eval()
	loader.Reset()

	numClasses := e.model.NumClasses()
	cm := nn.NewConfusionMatrix(numClasses)
	predictions := make([]Prediction, 0, loader.Steps()*numClasses)

	pb := nn.NewProgressBar(fmt.Sprintf("Evaluating [%s]", split), loader.Steps())

	for step := 0; ; step++ {
		batch, err := loader.NextBatch()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load batch %d: %w", step, err)
		}
		if batch == nil {
			break
		}

		logits, err := e.model.Forward(batch.Images, batch.Lats, batch.Lons, batch.Sources)
		if err != nil {
			return nil, nil, fmt.Errorf("forward pass failed: %w", err)
		}

		probs, err := tensor.Softmax(logits)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to compute probabilities: %w", err)
		}
		probData, err := probs.GetFloat32Data()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read probabilities: %w", err)
		}
		labelData, err := batch.Labels.GetInt32Data()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read labels: %w", err)
		}

		for i := 0; i < batch.Size; i++ {
			offset := i * numClasses
			best := 0
			bestProb := probData[offset]
			for j := 1; j < numClasses; j++ {
				if probData[offset+j] > bestProb {
					bestProb = probData[offset+j]
					best = j
				}
			}

			label := int(labelData[i])
			predictions = append(predictions, Prediction{
				Label:      label,
				Predicted:  best,
				Confidence: float64(bestProb),
				Correct:    label == best,
				ImagePath:  batch.Paths[i],
				TrueClass:  e.classes[label],
				PredClass:  e.classes[best],
			})

			if err := cm.Add(label, best); err != nil {
				return nil, nil, fmt.Errorf("failed to record prediction: %w", err)
			}
		}

		pb.Update(step+1, map[string]float64{"acc": cm.GetAccuracy()})
	}
	pb.Finish()

	if len(predictions) == 0 {
		return nil, nil, fmt.Errorf("no samples evaluated for split %q", split)
	}

	perClass := make(map[string]ClassReport, numClasses)
	for _, c := range cm.PerClassMetrics() {
		perClass[e.classes[c.Class]] = ClassReport{
			Precision: c.Precision * 100,
			Recall:    c.Recall * 100,
			F1:        c.F1 * 100,
			Support:   c.Support,
		}
	}

	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
		copy(matrix[i], cm.Matrix[i])
	}

	metrics := &Metrics{
		Accuracy:        cm.GetAccuracy() * 100,
		MacroPrecision:  cm.GetMetric(nn.MacroPrecision) * 100,
		MacroRecall:     cm.GetMetric(nn.MacroRecall) * 100,
		MacroF1:         cm.GetMetric(nn.MacroF1) * 100,
		PerClass:        perClass,
		ConfusionMatrix: matrix,
	}

	return metrics, predictions, nil
}

// PrintMetrics writes the evaluation summary to the console.
func (e *Evaluator) PrintMetrics(metrics *Metrics, split string) {
	separator := strings.Repeat("=", 70)

	fmt.Printf("\n%s\n", separator)
	fmt.Printf("%s SET EVALUATION RESULTS\n", strings.ToUpper(split))
	fmt.Printf("%s\n\n", separator)

	fmt.Printf("Overall Accuracy: %.2f%%\n", metrics.Accuracy)
	fmt.Printf("Macro Precision:  %.2f%%\n", metrics.MacroPrecision)
	fmt.Printf("Macro Recall:     %.2f%%\n", metrics.MacroRecall)
	fmt.Printf("Macro F1-Score:   %.2f%%\n", metrics.MacroF1)

	fmt.Printf("\n%s\n", separator)
	fmt.Printf("PER-CLASS METRICS\n")
	fmt.Printf("%s\n\n", separator)

	fmt.Printf("%-15s %10s %10s %10s %10s\n", "Class", "Precision", "Recall", "F1-Score", "Support")
	fmt.Printf("%s\n", strings.Repeat("-", 70))

	for _, name := range e.classes {
		report, ok := metrics.PerClass[name]
		if !ok {
			continue
		}
		fmt.Printf("%-15s %9.2f%% %9.2f%% %9.2f%% %10d\n",
			name, report.Precision, report.Recall, report.F1, report.Support)
	}

	fmt.Printf("%s\n\n", separator)
}

// PrintConfusionMatrix writes the matrix to the console with the true
// classes as rows.
func (e *Evaluator) PrintConfusionMatrix(metrics *Metrics, split string) {
	fmt.Printf("Confusion Matrix [%s] (rows = true class)\n", split)

	fmt.Printf("%-15s", "")
	for _, name := range e.classes {
		fmt.Printf(" %14s", truncateClass(name))
	}
	fmt.Println()

	for i, row := range metrics.ConfusionMatrix {
		fmt.Printf("%-15s", truncateClass(e.classes[i]))
		for _, count := range row {
			fmt.Printf(" %14d", count)
		}
		fmt.Println()
	}
	fmt.Println()
}

func truncateClass(name string) string {
	if len(name) > 14 {
		return name[:14]
	}
	return name
}

// AnalyzeErrors summarizes the misclassified samples: the top-K most
// confident errors go to a timestamped JSON file and the dominant
// "True -> Pred" patterns go to the console. Returns the analysis and
// the file path, which is empty when there were no errors.
func (e *Evaluator) AnalyzeErrors(predictions []Prediction, split string, topK int) (*ErrorAnalysis, string, error) {
	errors := make([]Prediction, 0)
	for _, p := range predictions {
		if !p.Correct {
			errors = append(errors, p)
		}
	}

	if len(errors) == 0 {
		fmt.Println("No misclassified samples found!")
		return &ErrorAnalysis{TotalSamples: len(predictions)}, "", nil
	}

	fmt.Printf("\nFound %d misclassified samples\n", len(errors))

	// Most confident errors first.
	sort.SliceStable(errors, func(i, j int) bool {
		return errors[i].Confidence > errors[j].Confidence
	})

	if topK <= 0 {
		topK = 20
	}
	if topK > len(errors) {
		topK = len(errors)
	}

	analysis := &ErrorAnalysis{
		TotalErrors:  len(errors),
		TotalSamples: len(predictions),
		ErrorRate:    100.0 * float64(len(errors)) / float64(len(predictions)),
		TopKErrors:   errors[:topK],
	}

	if err := os.MkdirAll(e.errorDir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create error dir: %w", err)
	}

	data, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal error analysis: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(e.errorDir, fmt.Sprintf("error_analysis_%s_%s.json", split, timestamp))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, "", fmt.Errorf("failed to write error analysis: %w", err)
	}
	fmt.Printf("Error analysis saved: %s\n", path)

	fmt.Printf("\nTop error patterns:\n")
	for _, pc := range topPatterns(errors, 10) {
		fmt.Printf("  %s: %d samples\n", pc.Pattern, pc.Count)
	}

	return analysis, path, nil
}

type patternCount struct {
	Pattern string
	Count   int
}

// topPatterns counts "True -> Pred" pairs and returns the n most
// frequent, ties broken alphabetically.
func topPatterns(errors []Prediction, n int) []patternCount {
	counts := make(map[string]int)
	for _, e := range errors {
		key := fmt.Sprintf("%s -> %s", e.TrueClass, e.PredClass)
		counts[key]++
	}

	patterns := make([]patternCount, 0, len(counts))
	for pattern, count := range counts {
		patterns = append(patterns, patternCount{Pattern: pattern, Count: count})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Pattern < patterns[j].Pattern
	})

	if n > len(patterns) {
		n = len(patterns)
	}
	return patterns[:n]
}

// SaveMisclassified copies the error images into the error dir for
// manual inspection. Relative paths resolve against imageDir.
func (e *Evaluator) SaveMisclassified(errors []Prediction, imageDir, split string) error {
	targetDir := filepath.Join(e.errorDir, fmt.Sprintf("images_%s", split))
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create error image dir: %w", err)
	}

	for i, p := range errors {
		src := p.ImagePath
		if imageDir != "" && !filepath.IsAbs(src) {
			src = filepath.Join(imageDir, src)
		}

		dst := filepath.Join(targetDir, fmt.Sprintf("%03d_true_%s_pred_%s_conf_%.2f.jpg",
			i+1, p.TrueClass, p.PredClass, p.Confidence))

		if err := copyFile(src, dst); err != nil {
			fmt.Printf("Failed to copy %s: %v\n", src, err)
		}
	}

	fmt.Printf("Misclassified images saved to: %s\n", targetDir)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// SaveMetrics writes the metrics document to a timestamped JSON file
// in the error dir.
func (e *Evaluator) SaveMetrics(metrics *Metrics, split string) (string, error) {
	if err := os.MkdirAll(e.errorDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create error dir: %w", err)
	}

	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metrics: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(e.errorDir, fmt.Sprintf("metrics_%s_%s.json", split, timestamp))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write metrics: %w", err)
	}
	fmt.Printf("Metrics saved: %s\n", path)
	return path, nil
}
