// Package preprocess converts uploaded images into the flat float32
// tensors the exported models expect.
package preprocess

import (
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"

	"github.com/nfnt/resize"
)

// Decode reads and decodes a JPEG or PNG image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("invalid image: %w", err)
	}
	return img, format, nil
}

// Scaled resizes img to size x size and returns an NHWC tensor with
// values normalized to 0..1. This is the classifier input.
func Scaled(img image.Image, size int) []float32 {
	return tensor(img, size, 1.0/255.0)
}

// Raw resizes img to size x size and returns an NHWC tensor with values
// in 0..255. The feature extractor rescales internally.
func Raw(img image.Image, size int) []float32 {
	return tensor(img, size, 1.0)
}

func tensor(img image.Image, size int, scale float32) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	data := make([]float32, height*width*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			// RGBA returns 16-bit channels; bring them back to 0..255
			data[i] = float32(r) / 257.0 * scale
			data[i+1] = float32(g) / 257.0 * scale
			data[i+2] = float32(b) / 257.0 * scale
			i += 3
		}
	}
	return data
}
