package dataset

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
)

// createMockJPEG renders a simple gradient JPEG for testing
func createMockJPEG(width, height int, baseColor color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			factor := float64(x+y) / float64(width+height)
			r := uint8(float64(baseColor.R) * factor)
			g := uint8(float64(baseColor.G) * factor)
			b := uint8(float64(baseColor.B) * factor)
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	var buf bytes.Buffer
	err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes(), err
}

// createTestJPEGFile writes a gradient JPEG to path
func createTestJPEGFile(path string, width, height int, baseColor color.RGBA) error {
	data, err := createMockJPEG(width, height, baseColor)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
