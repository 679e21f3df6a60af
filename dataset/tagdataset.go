// Package dataset serves multimodal training samples: a preprocessed
// image tensor plus raw coordinates, a source one-hot vector and the
// encoded class label, batched for the fusion model.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/dataprep"
	"github.com/accessatlas/accessatlas/tags"
	"github.com/accessatlas/accessatlas/tensor"
	"github.com/accessatlas/accessatlas/vision/preprocessing"
)

// Sample is one example served to the fusion model: a normalized image
// tensor plus the raw coordinate and source metadata. Latitude and
// longitude are served in degrees; the model scales them during its
// forward pass.
type Sample struct {
	Image     *tensor.Tensor // [3, S, S], ImageNet-normalized
	Lat       float32
	Lon       float32
	Source    []float32 // one-hot over the metadata source vocabulary
	Label     int
	ImagePath string
}

// Options configures a TagDataset.
type Options struct {
	// ImageDir is prepended to relative image paths. Absolute paths in
	// the split CSV are used as-is.
	ImageDir string

	// ImageSize is the square side length images are resized to.
	ImageSize int

	// Augmentor enables training-time augmentation when non-nil.
	Augmentor *Augmentor

	// Seed drives the augmentation RNG.
	Seed int64

	// Cache holds decoded images. The same cache may be shared across
	// datasets; cached buffers are never mutated.
	Cache *ImageCache

	Logger *zap.Logger
}

// TagDataset serves accessibility tag samples from a preprocessed split.
type TagDataset struct {
	rows      []*tags.SplitRecord
	meta      *dataprep.Metadata
	imageDir  string
	processor *preprocessing.ImageProcessor
	augmentor *Augmentor
	cache     *ImageCache
	logger    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTagDataset loads a split CSV written by the preprocessor and builds
// a dataset over its rows.
func NewTagDataset(csvPath string, meta *dataprep.Metadata, opts Options) (*TagDataset, error) {
	rows, err := dataprep.ReadSplit(csvPath)
	if err != nil {
		return nil, err
	}
	return NewTagDatasetFromRows(rows, meta, opts)
}

// NewTagDatasetFromRows builds a dataset over rows already in memory.
// Rows whose tag type or source is absent from the metadata vocabulary
// are dropped with a warning.
func NewTagDatasetFromRows(rows []*tags.SplitRecord, meta *dataprep.Metadata, opts Options) (*TagDataset, error) {
	if meta == nil {
		return nil, errors.New("preprocessing metadata is required")
	}
	if opts.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", opts.ImageSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	usable := make([]*tags.SplitRecord, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		if _, ok := meta.LabelIndex(row.Type); !ok {
			dropped++
			continue
		}
		if _, ok := meta.SourceIndex(row.Source); !ok {
			dropped++
			continue
		}
		usable = append(usable, row)
	}
	if dropped > 0 {
		logger.Warn("Dropped rows outside the metadata vocabulary",
			zap.Int("dropped", dropped),
			zap.Int("kept", len(usable)))
	}
	if len(usable) == 0 {
		return nil, errors.New("no usable rows in split")
	}

	return &TagDataset{
		rows:      usable,
		meta:      meta,
		imageDir:  opts.ImageDir,
		processor: preprocessing.NewImageProcessor(opts.ImageSize),
		augmentor: opts.Augmentor,
		cache:     opts.Cache,
		logger:    logger,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Len returns the number of samples.
func (d *TagDataset) Len() int {
	return len(d.rows)
}

// Classes returns the number of tag classes in the metadata vocabulary.
func (d *TagDataset) Classes() int {
	return d.meta.NumClasses
}

// NumSources returns the width of the source one-hot vector.
func (d *TagDataset) NumSources() int {
	return len(d.meta.SourceTypes)
}

// Metadata returns the preprocessing metadata backing this dataset.
func (d *TagDataset) Metadata() *dataprep.Metadata {
	return d.meta
}

// ImageSize returns the square image side length.
func (d *TagDataset) ImageSize() int {
	return d.processor.Size()
}

// Sample builds the sample at index. Unreadable images fall back to a
// blank image so one corrupt file cannot stop a training run.
func (d *TagDataset) Sample(index int) (*Sample, error) {
	if index < 0 || index >= len(d.rows) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.rows))
	}
	row := d.rows[index]

	chw := d.loadImage(row.ImagePath)

	if d.augmentor != nil {
		d.mu.Lock()
		chw = d.augmentor.Apply(chw, d.processor.Size(), d.rng)
		d.mu.Unlock()
	}

	size := d.processor.Size()
	img, err := tensor.NewTensor([]int{3, size, size}, tensor.Float32, preprocessing.Normalize(chw, size))
	if err != nil {
		return nil, fmt.Errorf("failed to build image tensor for %s: %w", row.ImagePath, err)
	}

	label, _ := d.meta.LabelIndex(row.Type)
	return &Sample{
		Image:     img,
		Lat:       float32(row.Lat),
		Lon:       float32(row.Lon),
		Source:    d.oneHotSource(row.Source),
		Label:     label,
		ImagePath: row.ImagePath,
	}, nil
}

func (d *TagDataset) loadImage(path string) []float32 {
	full := d.resolvePath(path)

	if d.cache != nil {
		if data, ok := d.cache.Get(full); ok {
			return data
		}
	}

	chw, err := d.processor.LoadFile(full)
	if err != nil {
		d.logger.Warn("Falling back to blank image",
			zap.String("path", full),
			zap.Error(err))
		return d.processor.Blank()
	}

	if d.cache != nil {
		d.cache.Put(full, chw)
	}
	return chw
}

func (d *TagDataset) resolvePath(path string) string {
	if d.imageDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.imageDir, path)
}

func (d *TagDataset) oneHotSource(s tags.Source) []float32 {
	oneHot := make([]float32, len(d.meta.SourceTypes))
	if idx, ok := d.meta.SourceIndex(s); ok {
		oneHot[idx] = 1
	}
	return oneHot
}
