package model

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// Preprocessor turns an uploaded photo into the CHW float32 tensor the
// classifier expects.
type Preprocessor struct {
	size uint
	mean [3]float32
	std  [3]float32
}

func NewPreprocessor(meta Metadata) *Preprocessor {
	p := &Preprocessor{size: uint(meta.ImageSize)}
	for c := 0; c < 3; c++ {
		p.mean[c] = meta.Mean[c]
		p.std[c] = meta.Std[c]
	}
	return p
}

// Prepare decodes and normalizes raw JPEG or PNG bytes. It returns
// ErrPreprocessing for anything it cannot turn into a full tensor.
func (p *Preprocessor) Prepare(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrPreprocessing)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreprocessing, err)
	}
	if img.Bounds().Dx() < 1 || img.Bounds().Dy() < 1 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrPreprocessing)
	}

	return p.tensor(img), nil
}

func (p *Preprocessor) tensor(img image.Image) []float32 {
	resized := resize.Resize(p.size, p.size, img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := y*width + x
			data[i] = (float32(r)/65535.0 - p.mean[0]) / p.std[0]
			data[plane+i] = (float32(g)/65535.0 - p.mean[1]) / p.std[1]
			data[2*plane+i] = (float32(b)/65535.0 - p.mean[2]) / p.std[2]
		}
	}
	return data
}
