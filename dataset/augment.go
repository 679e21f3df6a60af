package dataset

import (
	"math"
	"math/rand"
)

// Augmentor applies the stochastic train-split transforms: random
// rotation, horizontal flip, brightness/contrast jitter and a random
// resized crop. Val and test datasets never construct one.
type Augmentor struct {
	RotationDegrees float64 // max absolute rotation, degrees
	FlipProb        float64
	Brightness      float64 // factor sampled from [1-b, 1+b]
	Contrast        float64
	CropScaleMin    float64 // lower bound of the crop area fraction
}

// Apply transforms one CHW buffer. The input is left untouched; the
// returned buffer is new. Every stochastic choice comes from rng, so a
// fixed seed reproduces the exact augmentation sequence.
func (a *Augmentor) Apply(chw []float32, size int, rng *rand.Rand) []float32 {
	var out []float32
	if a.RotationDegrees > 0 {
		angle := (rng.Float64()*2 - 1) * a.RotationDegrees * math.Pi / 180
		out = rotate(chw, size, angle)
	} else {
		out = append([]float32(nil), chw...)
	}
	if a.FlipProb > 0 && rng.Float64() < a.FlipProb {
		flipHorizontal(out, size)
	}
	if a.Brightness > 0 {
		factor := 1 + (rng.Float64()*2-1)*a.Brightness
		applyBrightness(out, factor)
	}
	if a.Contrast > 0 {
		factor := 1 + (rng.Float64()*2-1)*a.Contrast
		applyContrast(out, size, factor)
	}
	if a.CropScaleMin > 0 && a.CropScaleMin < 1 {
		out = randomResizedCrop(out, size, a.CropScaleMin, rng)
	}
	return out
}

// rotate resamples around the image center with nearest-neighbor
// lookup; target pixels mapping outside the source stay zero.
func rotate(chw []float32, size int, angle float64) []float32 {
	out := make([]float32, len(chw))
	sin, cos := math.Sincos(angle)
	center := float64(size-1) / 2
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) - center
			dy := float64(y) - center
			srcX := int(math.Round(cos*dx + sin*dy + center))
			srcY := int(math.Round(-sin*dx + cos*dy + center))
			if srcX < 0 || srcX >= size || srcY < 0 || srcY >= size {
				continue
			}
			dst := y*size + x
			src := srcY*size + srcX
			for c := 0; c < 3; c++ {
				out[c*plane+dst] = chw[c*plane+src]
			}
		}
	}
	return out
}

func flipHorizontal(chw []float32, size int) {
	plane := size * size
	for c := 0; c < 3; c++ {
		for y := 0; y < size; y++ {
			row := chw[c*plane+y*size : c*plane+(y+1)*size]
			for x := 0; x < size/2; x++ {
				row[x], row[size-1-x] = row[size-1-x], row[x]
			}
		}
	}
}

func applyBrightness(chw []float32, factor float64) {
	for i, v := range chw {
		chw[i] = clamp01(float32(float64(v) * factor))
	}
}

// applyContrast scales values around the grayscale mean, the usual
// jitter definition.
func applyContrast(chw []float32, size int, factor float64) {
	plane := size * size
	var mean float64
	for i := 0; i < plane; i++ {
		r := float64(chw[i])
		g := float64(chw[plane+i])
		b := float64(chw[2*plane+i])
		mean += 0.299*r + 0.587*g + 0.114*b
	}
	mean /= float64(plane)

	for i, v := range chw {
		chw[i] = clamp01(float32((float64(v)-mean)*factor + mean))
	}
}

// randomResizedCrop picks a region with area fraction in [scaleMin, 1]
// and aspect ratio in [3/4, 4/3], then resizes it back to full size.
func randomResizedCrop(chw []float32, size int, scaleMin float64, rng *rand.Rand) []float32 {
	scale := scaleMin + rng.Float64()*(1-scaleMin)
	ratio := 0.75 + rng.Float64()*(4.0/3.0-0.75)

	area := scale * float64(size*size)
	cropW := int(math.Round(math.Sqrt(area * ratio)))
	cropH := int(math.Round(math.Sqrt(area / ratio)))
	if cropW > size {
		cropW = size
	}
	if cropH > size {
		cropH = size
	}
	if cropW < 1 {
		cropW = 1
	}
	if cropH < 1 {
		cropH = 1
	}

	x0 := 0
	if size > cropW {
		x0 = rng.Intn(size - cropW + 1)
	}
	y0 := 0
	if size > cropH {
		y0 = rng.Intn(size - cropH + 1)
	}

	out := make([]float32, len(chw))
	plane := size * size
	scaleX := float64(cropW) / float64(size)
	scaleY := float64(cropH) / float64(size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			srcX := x0 + int(float64(x)*scaleX)
			srcY := y0 + int(float64(y)*scaleY)
			if srcX >= size {
				srcX = size - 1
			}
			if srcY >= size {
				srcY = size - 1
			}
			dst := y*size + x
			src := srcY*size + srcX
			for c := 0; c < 3; c++ {
				out[c*plane+dst] = chw[c*plane+src]
			}
		}
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
