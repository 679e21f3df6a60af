// Package preprocessing decodes and resizes images into the CHW
// float32 buffers the dataset and the predictor feed to the model.
package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/accessatlas/accessatlas/tensor"
)

// ImageNet channel statistics, applied after scaling to [0, 1].
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageProcessor decodes and resizes images into CHW float32 buffers
// with buffer reuse
type ImageProcessor struct {
	mu            sync.Mutex
	tempImage     *image.RGBA
	processBuffer []float32
	targetSize    int
}

// NewImageProcessor creates a processor producing square images of the
// given size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{targetSize: targetSize}
}

// Size returns the square target size
func (p *ImageProcessor) Size() int {
	return p.targetSize
}

// DecodeResize decodes a JPEG or PNG image and resizes it to the target
// size. Returns CHW data scaled to [0, 1]; the returned slice is a
// fresh copy, safe to cache.
func (p *ImageProcessor) DecodeResize(reader io.Reader) ([]float32, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse image buffer
	if p.tempImage == nil || p.tempImage.Bounds().Dx() != p.targetSize || p.tempImage.Bounds().Dy() != p.targetSize {
		p.tempImage = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	target := p.tempImage

	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)

	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)

			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}

			target.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}

	// Reuse data buffer
	requiredSize := 3 * p.targetSize * p.targetSize
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	plane := p.targetSize * p.targetSize
	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			r, g, b, _ := target.At(x, y).RGBA()

			idx := y*p.targetSize + x
			rVal := float32(r) / 65535.0
			gVal := float32(g) / 65535.0
			bVal := float32(b) / 65535.0

			// Guard against NaN and out-of-range values
			if rVal != rVal || rVal < 0 || rVal > 1 {
				rVal = 0.0
			}
			if gVal != gVal || gVal < 0 || gVal > 1 {
				gVal = 0.0
			}
			if bVal != bVal || bVal < 0 || bVal > 1 {
				bVal = 0.0
			}

			data[0*plane+idx] = rVal
			data[1*plane+idx] = gVal
			data[2*plane+idx] = bVal
		}
	}

	// Copy out of the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

// LoadFile decodes an image file into resized CHW data.
func (p *ImageProcessor) LoadFile(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return p.DecodeResize(f)
}

// Blank returns an all-zero CHW buffer, the fallback frame for
// unreadable images.
func (p *ImageProcessor) Blank() []float32 {
	return make([]float32, 3*p.targetSize*p.targetSize)
}

// Normalize applies the ImageNet statistics channel-wise. The input is
// left untouched; a new buffer is returned.
func Normalize(chw []float32, size int) []float32 {
	out := make([]float32, len(chw))
	plane := size * size
	for c := 0; c < 3; c++ {
		mean := imagenetMean[c]
		std := imagenetStd[c]
		for i := 0; i < plane; i++ {
			out[c*plane+i] = (chw[c*plane+i] - mean) / std
		}
	}
	return out
}

// EvalTensor loads a single image with the deterministic evaluation
// pipeline: decode, resize, scale to [0, 1], ImageNet normalize.
func (p *ImageProcessor) EvalTensor(path string) (*tensor.Tensor, error) {
	chw, err := p.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return tensor.NewTensor([]int{3, p.targetSize, p.targetSize}, tensor.Float32, Normalize(chw, p.targetSize))
}
