// Package predict turns images plus location metadata into
// accessibility tag predictions, either one at a time or in batches.
// The inference strategy is pluggable: a checkpoint-backed model for
// real use, a deterministic mock for tests and dry runs.
package predict

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/checkpoints"
	"github.com/accessatlas/accessatlas/config"
	"github.com/accessatlas/accessatlas/dataprep"
	"github.com/accessatlas/accessatlas/model"
	"github.com/accessatlas/accessatlas/tags"
	"github.com/accessatlas/accessatlas/tensor"
	"github.com/accessatlas/accessatlas/vision/preprocessing"
)

// Inferencer produces class probabilities for one sample. Classes
// returns the class names in label order; Probabilities returns a
// distribution parallel to it.
type Inferencer interface {
	Probabilities(imagePath string, lat, lon float64, source tags.Source) ([]float32, error)
	Classes() []string
}

// RealInferencer runs the trained fusion model rebuilt from a
// checkpoint. Forward passes are serialized, so it is safe to share
// across request handlers.
type RealInferencer struct {
	mu        sync.Mutex
	model     *model.FusionModel
	meta      *dataprep.Metadata
	processor *preprocessing.ImageProcessor
}

// NewRealInferencer loads a checkpoint, rebuilds its model from the
// stored config and switches it to inference mode. The preprocessing
// metadata supplies the label and source vocabularies the checkpoint
// was trained with.
func NewRealInferencer(checkpointPath string, meta *dataprep.Metadata, logger *zap.Logger) (*RealInferencer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meta == nil {
		return nil, fmt.Errorf("preprocessing metadata is required")
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	ckpt, err := saver.LoadCheckpoint(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cfg, err := config.FromSnapshot(ckpt.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Model.NumClasses != len(meta.TagTypes) {
		return nil, fmt.Errorf("checkpoint has %d classes but metadata lists %d tag types",
			cfg.Model.NumClasses, len(meta.TagTypes))
	}

	// Every weight comes from the checkpoint state below; a stale
	// backbone path in the snapshot must not be re-resolved here.
	cfg.Model.BackboneWeights = ""
	m, err := model.Build(cfg.Model, len(meta.SourceTypes))
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild model: %w", err)
	}
	if err := model.LoadState(m, ckpt.ModelStateDict); err != nil {
		return nil, fmt.Errorf("failed to restore model weights: %w", err)
	}
	m.Eval()

	logger.Info("Predictor initialized",
		zap.String("checkpoint", checkpointPath),
		zap.Int("epoch", ckpt.Epoch),
		zap.Float64("best_val_acc", ckpt.BestValAcc),
		zap.Int("num_classes", m.NumClasses()))

	return &RealInferencer{
		model:     m,
		meta:      meta,
		processor: preprocessing.NewImageProcessor(cfg.Model.ImageSize),
	}, nil
}

// Classes returns the label vocabulary in encoded order.
func (r *RealInferencer) Classes() []string {
	return r.meta.TagTypes
}

// Probabilities loads and normalizes the image, assembles the metadata
// tensors and returns the softmax distribution over tag types. An
// unknown source gets an all-zero one-hot, matching the training
// pipeline's treatment of out-of-vocabulary sources at inference time.
func (r *RealInferencer) Probabilities(imagePath string, lat, lon float64, source tags.Source) ([]float32, error) {
	img, err := r.processor.EvalTensor(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	size := r.processor.Size()
	images, err := img.Reshape([]int{1, 3, size, size})
	if err != nil {
		return nil, fmt.Errorf("failed to batch image: %w", err)
	}

	lats, err := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{float32(lat)})
	if err != nil {
		return nil, err
	}
	lons, err := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{float32(lon)})
	if err != nil {
		return nil, err
	}

	oneHot := make([]float32, len(r.meta.SourceTypes))
	if idx, ok := r.meta.SourceIndex(source); ok {
		oneHot[idx] = 1.0
	}
	sources, err := tensor.NewTensor([]int{1, len(oneHot)}, tensor.Float32, oneHot)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	logits, err := r.model.Forward(images, lats, lons, sources)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}

	probs, err := tensor.Softmax(logits)
	if err != nil {
		return nil, fmt.Errorf("failed to compute probabilities: %w", err)
	}
	data, err := probs.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// MockInferencer produces deterministic pseudo-probabilities without a
// model or any image I/O. The same request always yields the same
// distribution, which makes it usable both in tests and for dry runs
// of the surrounding plumbing.
type MockInferencer struct {
	classes []string
}

// NewMockInferencer builds a mock over the given class names.
func NewMockInferencer(classes []string) *MockInferencer {
	return &MockInferencer{classes: classes}
}

// Classes returns the configured class names.
func (m *MockInferencer) Classes() []string {
	return m.classes
}

// Probabilities hashes the request into a softmax distribution.
func (m *MockInferencer) Probabilities(imagePath string, lat, lon float64, source tags.Source) ([]float32, error) {
	if len(m.classes) == 0 {
		return nil, fmt.Errorf("mock inferencer has no classes")
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%.6f|%.6f|%s", imagePath, lat, lon, source)
	seed := h.Sum64()

	logits := make([]float64, len(m.classes))
	for i := range logits {
		seed = seed*6364136223846793005 + 1442695040888963407
		logits[i] = 4 * float64(seed>>11) / float64(1<<53)
	}

	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	exps := make([]float64, len(logits))
	for i, l := range logits {
		exps[i] = math.Exp(l - maxLogit)
		sum += exps[i]
	}
	probs := make([]float32, len(logits))
	for i, e := range exps {
		probs[i] = float32(e / sum)
	}
	return probs, nil
}
