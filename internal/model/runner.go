package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Runner wraps one ONNX session with preallocated input/output tensors.
// The tensors are reused across calls, so Predict serializes on a mutex.
type Runner struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	meta         RunnerMetadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewRunner loads modelPath and its sibling metadata JSON. The ONNX
// environment must already be initialized.
func NewRunner(modelPath, metadataPath string) (*Runner, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta RunnerMetadata
	if err := json.Unmarshal(metaFile, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(meta.InputShape) == 0 || len(meta.OutputShape) == 0 {
		return nil, fmt.Errorf("metadata %s is missing input_shape or output_shape", metadataPath)
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Runner{
		session:      session,
		meta:         meta,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// InputLen returns the number of float32 values the model expects.
func (r *Runner) InputLen() int {
	n := 1
	for _, dim := range r.meta.InputShape {
		n *= int(dim)
	}
	return n
}

// Predict runs inference and returns a copy of the output vector.
func (r *Runner) Predict(input []float32) ([]float32, error) {
	if len(input) != r.InputLen() {
		return nil, fmt.Errorf("expected %d input values, got %d", r.InputLen(), len(input))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copy(r.inputTensor.GetData(), input)

	if err := r.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, len(r.outputTensor.GetData()))
	copy(out, r.outputTensor.GetData())
	return out, nil
}

// Close releases the session and its tensors.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inputTensor != nil {
		r.inputTensor.Destroy()
		r.inputTensor = nil
	}
	if r.outputTensor != nil {
		r.outputTensor.Destroy()
		r.outputTensor = nil
	}
	if r.session != nil {
		r.session.Destroy()
		r.session = nil
	}
}
