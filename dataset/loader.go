package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/tensor"
)

// FusionBatch is one collated batch of fusion model inputs.
type FusionBatch struct {
	Images  *tensor.Tensor // [B, 3, S, S]
	Lats    *tensor.Tensor // [B, 1], degrees
	Lons    *tensor.Tensor // [B, 1], degrees
	Sources *tensor.Tensor // [B, num_sources], one-hot
	Labels  *tensor.Tensor // [B], Int32
	Paths   []string
	Size    int
}

// LoaderConfig holds configuration for a Loader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
}

// Loader serves collated batches from a TagDataset. Shuffling uses a
// seeded RNG so epoch order is reproducible.
type Loader struct {
	dataset   *TagDataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex
}

// NewLoader creates a loader over dataset.
func NewLoader(dataset *TagDataset, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	l := &Loader{
		dataset:   dataset,
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		indices:   indices,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
	return l, nil
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() *TagDataset {
	return l.dataset
}

// Steps returns the number of batches per epoch.
func (l *Loader) Steps() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// Reset rewinds the loader and reshuffles when shuffling is enabled.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.position = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
}

// NextBatch returns the next batch, or (nil, nil) when the epoch is
// exhausted.
func (l *Loader) NextBatch() (*FusionBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := len(l.indices) - l.position
	if remaining <= 0 {
		return nil, nil // No more data
	}

	batchSize := l.batchSize
	if remaining < batchSize {
		batchSize = remaining
	}

	startPos := l.position
	samples := make([]*Sample, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		idx := l.indices[l.position]
		sample, err := l.dataset.Sample(idx)
		if err != nil {
			// Abandon the rest of this batch; the next call resumes at
			// the following one.
			l.position = startPos + batchSize
			return nil, err
		}
		samples = append(samples, sample)
		l.position++
	}

	return Collate(samples)
}

// Iterator streams batches over a channel until the epoch ends. Errors
// are logged and end the stream.
func (l *Loader) Iterator() <-chan *FusionBatch {
	ch := make(chan *FusionBatch, 1)
	go func() {
		defer close(ch)
		for {
			batch, err := l.NextBatch()
			if err != nil {
				l.dataset.logger.Error("Failed to load batch", zap.Error(err))
				return
			}
			if batch == nil {
				return
			}
			ch <- batch
		}
	}()
	return ch
}

// Progress returns the current position through the dataset.
func (l *Loader) Progress() (current, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position, len(l.indices)
}

// Collate stacks samples into a single batch of input tensors.
func Collate(samples []*Sample) (*FusionBatch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}

	b := len(samples)
	size := samples[0].Image.Shape[1]
	numSources := len(samples[0].Source)
	pixelsPerImage := 3 * size * size

	imageData := make([]float32, b*pixelsPerImage)
	latData := make([]float32, b)
	lonData := make([]float32, b)
	sourceData := make([]float32, b*numSources)
	labelData := make([]int32, b)
	paths := make([]string, b)

	for i, s := range samples {
		img, err := s.Image.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to read image data for %s: %w", s.ImagePath, err)
		}
		copy(imageData[i*pixelsPerImage:(i+1)*pixelsPerImage], img)
		latData[i] = s.Lat
		lonData[i] = s.Lon
		copy(sourceData[i*numSources:(i+1)*numSources], s.Source)
		labelData[i] = int32(s.Label)
		paths[i] = s.ImagePath
	}

	images, err := tensor.NewTensor([]int{b, 3, size, size}, tensor.Float32, imageData)
	if err != nil {
		return nil, fmt.Errorf("failed to build image batch: %w", err)
	}
	lats, err := tensor.NewTensor([]int{b, 1}, tensor.Float32, latData)
	if err != nil {
		return nil, fmt.Errorf("failed to build latitude batch: %w", err)
	}
	lons, err := tensor.NewTensor([]int{b, 1}, tensor.Float32, lonData)
	if err != nil {
		return nil, fmt.Errorf("failed to build longitude batch: %w", err)
	}
	sources, err := tensor.NewTensor([]int{b, numSources}, tensor.Float32, sourceData)
	if err != nil {
		return nil, fmt.Errorf("failed to build source batch: %w", err)
	}
	labels, err := tensor.NewTensor([]int{b}, tensor.Int32, labelData)
	if err != nil {
		return nil, fmt.Errorf("failed to build label batch: %w", err)
	}

	return &FusionBatch{
		Images:  images,
		Lats:    lats,
		Lons:    lons,
		Sources: sources,
		Labels:  labels,
		Paths:   paths,
		Size:    b,
	}, nil
}
