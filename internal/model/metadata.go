package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrPreprocessing    = errors.New("image preprocessing failed")
	ErrShapeMismatch    = errors.New("tensor shape mismatch")
)

// Metadata is the sidecar JSON exported next to the ONNX file by the
// training scripts.
type Metadata struct {
	InputShape   []int64   `json:"input_shape"`
	OutputShape  []int64   `json:"output_shape"`
	Classes      []string  `json:"classes"`
	ImageSize    int       `json:"image_size"`
	InputName    string    `json:"input_name"`
	OutputName   string    `json:"output_name"`
	Mean         []float32 `json:"mean"`
	Std          []float32 `json:"std"`
	OutputLogits bool      `json:"output_logits"`
	Version      string    `json:"version"`
}

func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	meta.applyDefaults()
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if len(m.Mean) == 0 {
		m.Mean = []float32{0, 0, 0}
	}
	if len(m.Std) == 0 {
		m.Std = []float32{1, 1, 1}
	}
}

func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("%w: metadata lists no classes", ErrShapeMismatch)
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("%w: image_size must be positive, got %d", ErrShapeMismatch, m.ImageSize)
	}
	if got := m.OutputWidth(); got != len(m.Classes) {
		return fmt.Errorf("%w: output width %d does not match %d classes", ErrShapeMismatch, got, len(m.Classes))
	}
	if want := 3 * m.ImageSize * m.ImageSize; m.InputSize() != want {
		return fmt.Errorf("%w: input shape %v does not hold a 3x%dx%d image", ErrShapeMismatch, m.InputShape, m.ImageSize, m.ImageSize)
	}
	if len(m.Mean) != 3 || len(m.Std) != 3 {
		return fmt.Errorf("%w: mean and std need one value per channel", ErrShapeMismatch)
	}
	for _, s := range m.Std {
		if s == 0 {
			return fmt.Errorf("%w: std must be non-zero", ErrShapeMismatch)
		}
	}
	return nil
}

// InputSize is the flattened element count of the input tensor.
func (m Metadata) InputSize() int {
	return flatten(m.InputShape)
}

// OutputWidth is the flattened element count of the output tensor.
func (m Metadata) OutputWidth() int {
	return flatten(m.OutputShape)
}

func flatten(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	size := 1
	for _, dim := range shape {
		size *= int(dim)
	}
	return size
}
