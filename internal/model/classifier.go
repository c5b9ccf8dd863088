package model

import (
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Classifier runs the exported plant model through ONNX Runtime and returns
// one probability per catalog species.
type Classifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	logger       *zap.Logger
	closed       bool
}

// NewClassifier loads the model. sharedLibraryPath may be empty to use the
// onnxruntime default search path.
func NewClassifier(modelPath, metadataPath, sharedLibraryPath string, logger *zap.Logger) (*Classifier, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if sharedLibraryPath != "" {
		ort.SetSharedLibraryPath(sharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrModelUnavailable, err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %v", ErrModelUnavailable, err)
	}

	logger.Info("classifier loaded",
		zap.String("model", modelPath),
		zap.String("version", metadata.Version),
		zap.Int("classes", len(metadata.Classes)),
		zap.Int("image_size", metadata.ImageSize))

	return &Classifier{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		logger:       logger,
	}, nil
}

func (c *Classifier) Classes() []string {
	out := make([]string, len(c.Metadata.Classes))
	copy(out, c.Metadata.Classes)
	return out
}

// Infer runs one forward pass. The input and output tensors are shared, so
// runs are serialized.
func (c *Classifier) Infer(input []float32) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.session == nil {
		return nil, ErrModelUnavailable
	}
	if len(input) != c.Metadata.InputSize() {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrShapeMismatch, c.Metadata.InputSize(), len(input))
	}

	copy(c.inputTensor.GetData(), input)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	raw := c.outputTensor.GetData()
	out := make([]float64, len(c.Metadata.Classes))
	for i := range out {
		out[i] = float64(raw[i])
	}
	if c.Metadata.OutputLogits {
		softmax(out)
	}
	return out, nil
}

func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
	ort.DestroyEnvironment()
}

func softmax(v []float64) {
	if len(v) == 0 {
		return
	}
	maxVal := v[0]
	for _, x := range v[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	var sum float64
	for i, x := range v {
		v[i] = math.Exp(x - maxVal)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}
