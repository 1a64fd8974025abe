package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Model directory layout. Each .onnx file has a sibling .json with its
// tensor shapes (see RunnerMetadata).
const (
	cnnModelFile      = "cnn.onnx"
	featuresModelFile = "features.onnx"
	svmModelFile      = "svm.onnx"
	rfModelFile       = "rf.onnx"
	classIndicesFile  = "class_indices.json"
)

// fallback when class_indices.json is absent
var defaultClasses = []string{"organic", "pesticide"}

// Classifier runs one model over a flat float32 tensor.
type Classifier interface {
	Predict(input []float32) ([]float32, error)
}

// Set is a consistent snapshot of the loaded models. Optional entries are
// nil when the corresponding file could not be loaded.
type Set struct {
	CNN       Classifier
	Features  Classifier
	SVM       Classifier
	RF        Classifier
	Classes   []string
	InputSize int
}

type runners struct {
	cnn       *Runner
	features  *Runner
	svm       *Runner
	rf        *Runner
	classes   []string
	inputSize int
}

func (rs *runners) close() {
	for _, r := range []*Runner{rs.cnn, rs.features, rs.svm, rs.rf} {
		if r != nil {
			r.Close()
		}
	}
}

// Registry owns the model set and supports atomic reload from disk.
// Acquire holds a read lock for the duration of a request, so a reload
// never closes a session out from under an in-flight prediction.
type Registry struct {
	mu  sync.RWMutex
	dir string
	set *runners
	log *zap.Logger
}

// NewRegistry initializes the ONNX environment and loads the model set
// from dir. The CNN is required; the feature extractor, SVM and random
// forest are optional.
func NewRegistry(dir string, log *zap.Logger) (*Registry, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	r := &Registry{dir: dir, log: log}
	set, err := r.load()
	if err != nil {
		return nil, err
	}
	r.set = set
	return r, nil
}

func (r *Registry) load() (*runners, error) {
	cnnPath := filepath.Join(r.dir, cnnModelFile)
	if _, err := os.Stat(cnnPath); err != nil {
		return nil, fmt.Errorf("model not found at %s: train and export the model first", cnnPath)
	}

	cnn, err := NewRunner(cnnPath, metadataPath(cnnPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load CNN: %w", err)
	}

	set := &runners{cnn: cnn}

	// NHWC input: [1, H, W, 3]
	if len(cnn.meta.InputShape) >= 3 {
		set.inputSize = int(cnn.meta.InputShape[1])
	}
	if set.inputSize <= 0 {
		set.inputSize = 224
	}

	set.classes = r.loadClasses()
	set.features = r.loadOptional(featuresModelFile, "feature extractor")
	set.svm = r.loadOptional(svmModelFile, "SVM")
	set.rf = r.loadOptional(rfModelFile, "random forest")

	return set, nil
}

// loadOptional returns nil when the model file is absent or broken.
func (r *Registry) loadOptional(file, name string) *Runner {
	path := filepath.Join(r.dir, file)
	if _, err := os.Stat(path); err != nil {
		r.log.Info("optional model not present", zap.String("model", name), zap.String("path", path))
		return nil
	}
	runner, err := NewRunner(path, metadataPath(path))
	if err != nil {
		r.log.Warn("failed to load optional model", zap.String("model", name), zap.Error(err))
		return nil
	}
	return runner
}

func (r *Registry) loadClasses() []string {
	raw, err := os.ReadFile(filepath.Join(r.dir, classIndicesFile))
	if err != nil {
		return defaultClasses
	}
	var mapping map[string]string
	if err := json.Unmarshal(raw, &mapping); err != nil {
		r.log.Warn("failed to parse class indices, using defaults", zap.Error(err))
		return defaultClasses
	}

	type entry struct {
		idx  int
		name string
	}
	entries := make([]entry, 0, len(mapping))
	for k, v := range mapping {
		idx, err := strconv.Atoi(k)
		if err != nil {
			r.log.Warn("failed to parse class indices, using defaults", zap.String("key", k))
			return defaultClasses
		}
		entries = append(entries, entry{idx, v})
	}
	if len(entries) == 0 {
		return defaultClasses
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })

	classes := make([]string, 0, len(entries))
	for _, e := range entries {
		classes = append(classes, e.name)
	}
	return classes
}

// Acquire returns the current model set and a release function. The set
// stays valid until release is called.
func (r *Registry) Acquire() (Set, func()) {
	r.mu.RLock()
	set := Set{
		Classes:   r.set.classes,
		InputSize: r.set.inputSize,
	}
	// assign only non-nil runners so interface values stay nil
	if r.set.cnn != nil {
		set.CNN = r.set.cnn
	}
	if r.set.features != nil {
		set.Features = r.set.features
	}
	if r.set.svm != nil {
		set.SVM = r.set.svm
	}
	if r.set.rf != nil {
		set.RF = r.set.rf
	}
	return set, r.mu.RUnlock
}

// Status reports which models are currently loaded.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		ModelPresent:    r.set.cnn != nil,
		FeaturesPresent: r.set.features != nil,
		SVMPresent:      r.set.svm != nil,
		RFPresent:       r.set.rf != nil,
	}
}

// Reload rebuilds the model set from disk without restarting the server.
// On failure the previous set stays in place.
func (r *Registry) Reload() error {
	next, err := r.load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.set
	r.set = next
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	r.log.Info("models reloaded", zap.String("dir", r.dir))
	return nil
}

// Close releases all sessions and tears down the ONNX environment.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set != nil {
		r.set.close()
		r.set = nil
	}
	ort.DestroyEnvironment()
}

func metadataPath(modelPath string) string {
	ext := filepath.Ext(modelPath)
	return modelPath[:len(modelPath)-len(ext)] + ".json"
}
